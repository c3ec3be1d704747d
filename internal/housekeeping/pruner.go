// Package housekeeping removes abandoned orders and payments and keeps the
// active flag of paid campaigns in step with their windows.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/guard"
	"github.com/beton-ads/beton/internal/metrics"
	"github.com/beton-ads/beton/internal/storage"
)

// Store is the part of the ledger housekeeping works on
type Store interface {
	ActivateStarted(ctx context.Context, now time.Time) (int64, error)
	DeactivateFinished(ctx context.Context, now time.Time) (int64, error)
	StaleOrders(ctx context.Context, now, unpaidBefore time.Time) ([]storage.Order, error)
	DeleteOrder(ctx context.Context, id string) (bool, error)
	UnseenPaymentsBefore(ctx context.Context, t time.Time) ([]storage.Payment, error)
	DeleteUnpaidPayment(ctx context.Context, key string) (bool, error)
	AppendAudit(ctx context.Context, entry storage.AuditEntry) error
}

// CampaignRemover deletes campaigns on the ad server
type CampaignRemover interface {
	DeleteCampaign(ctx context.Context, campaignID int64) (bool, error)
}

// Report sums up one pass
type Report struct {
	Activated   int64
	Deactivated int64
	Orders      int
	Payments    int
}

// Pruner runs the periodic cleanup
type Pruner struct {
	store     Store
	ads       CampaignRemover
	guard     guard.Guard
	unpaidTTL time.Duration
	log       *zap.Logger
}

// NewPruner creates a Pruner. Orders of payments that saw no funds for
// unpaidTTL are removed. ads may be nil.
func NewPruner(store Store, ads CampaignRemover, g guard.Guard, unpaidTTL time.Duration, log *zap.Logger) *Pruner {
	return &Pruner{
		store:     store,
		ads:       ads,
		guard:     g,
		unpaidTTL: unpaidTTL,
		log:       log,
	}
}

// Start runs a pass every interval until ctx is cancelled
func (p *Pruner) Start(ctx context.Context, interval time.Duration) {
	p.log.Info("housekeeping started",
		zap.Duration("interval", interval),
		zap.Duration("unpaid_ttl", p.unpaidTTL),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx, time.Now().UTC()); err != nil {
				p.log.Error("housekeeping pass", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one pass. Failures on single orders are logged and the
// pass goes on; the returned error joins them.
func (p *Pruner) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var report Report
	var errs []error

	n, err := p.store.ActivateStarted(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("activate started campaigns: %w", err))
	} else {
		report.Activated = n
	}

	n, err = p.store.DeactivateFinished(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("deactivate finished campaigns: %w", err))
	} else {
		report.Deactivated = n
	}

	unpaidBefore := now.Add(-p.unpaidTTL)

	orders, err := p.store.StaleOrders(ctx, now, unpaidBefore)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("list stale orders: %w", err))...)
	}
	for _, o := range orders {
		removed, err := p.pruneOrder(ctx, o)
		if err != nil {
			p.log.Error("prune order", zap.String("order_id", o.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if removed {
			report.Orders++
		}
	}
	metrics.RecordPrunedOrders(report.Orders)

	payments, err := p.store.UnseenPaymentsBefore(ctx, unpaidBefore)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("list unpaid payments: %w", err))...)
	}
	for _, pay := range payments {
		deleted, err := p.prunePayment(ctx, pay.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete payment %s: %w", pay.Key, err))
			continue
		}
		if deleted {
			report.Payments++
		}
	}

	if report != (Report{}) {
		p.log.Info("housekeeping pass done",
			zap.Int64("activated", report.Activated),
			zap.Int64("deactivated", report.Deactivated),
			zap.Int("orders", report.Orders),
			zap.Int("payments", report.Payments),
		)
	}
	return report, errors.Join(errs...)
}

// pruneOrder removes one order under its payment's lock, so a confirmation
// arriving at the same moment either wins or sees the order gone.
func (p *Pruner) pruneOrder(ctx context.Context, o storage.Order) (bool, error) {
	var removed bool
	run := func(ctx context.Context) error {
		ok, err := p.store.DeleteOrder(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("delete order %s: %w", o.ID, err)
		}
		if !ok {
			// confirmed meanwhile
			return nil
		}
		removed = true

		if p.ads != nil {
			if _, err := p.ads.DeleteCampaign(ctx, o.CampaignID); err != nil {
				p.log.Warn("delete campaign on ad server",
					zap.Int64("campaign_id", o.CampaignID),
					zap.Error(err),
				)
			}
		}

		reason := "unpaid"
		if !o.CleanupAfter.Equal(storage.NotYet) {
			reason = "payment expired"
		}
		entry := storage.AuditEntry{
			UserID:  o.UserID,
			Message: fmt.Sprintf("order %s (campaign %d) removed: %s", o.ID, o.CampaignID, reason),
		}
		if err := p.store.AppendAudit(ctx, entry); err != nil {
			p.log.Error("audit order removal", zap.String("order_id", o.ID), zap.Error(err))
		}
		return nil
	}

	if o.PaymentKey == "" {
		return removed, run(ctx)
	}
	err := p.withLock(ctx, o.PaymentKey, run)
	return removed, err
}

// prunePayment deletes an unseen payment under its lock, like pruneOrder.
func (p *Pruner) prunePayment(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := p.withLock(ctx, key, func(ctx context.Context) error {
		var err error
		deleted, err = p.store.DeleteUnpaidPayment(ctx, key)
		return err
	})
	return deleted, err
}

func (p *Pruner) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if p.guard == nil {
		return fn(ctx)
	}
	return p.guard.WithLock(ctx, key, fn)
}
