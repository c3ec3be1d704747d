// Package reconcile applies payment notifications to the ledger and
// activates the paid campaigns.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/events"
	"github.com/beton-ads/beton/internal/gateway"
	"github.com/beton-ads/beton/internal/guard"
	"github.com/beton-ads/beton/internal/metrics"
	"github.com/beton-ads/beton/internal/revive"
	"github.com/beton-ads/beton/internal/storage"
)

var errNoVerifier = errors.New("no verifier registered")

// Ledger is the part of the store the engine writes through
type Ledger interface {
	PaymentByKey(ctx context.Context, key string) (*storage.Payment, error)
	MarkReceived(ctx context.Context, key string, at time.Time, entry storage.AuditEntry) (bool, error)
	ConfirmPayment(ctx context.Context, key string, at time.Time, txRef string, entry storage.AuditEntry) (bool, error)
	MarkOrdersForCleanup(ctx context.Context, key string, after time.Time) (int64, error)
	AppendAudit(ctx context.Context, entry storage.AuditEntry) error
	UnlinkedCampaigns(ctx context.Context, key string, withUnknown bool) ([]storage.Campaign, error)
	MarkCampaignLinked(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkCampaignLinkUnknown(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Verifier asks a provider for the authoritative state of a payment
type Verifier interface {
	Verify(ctx context.Context, ev gateway.Event, currency string) (gateway.Verification, error)
}

// AdServer links paid campaigns into their zones. Errors wrapping
// revive.ErrLinkUnknown mean the call may have taken effect.
type AdServer interface {
	LinkCampaign(ctx context.Context, zoneID, campaignID int64) (bool, error)
}

// Notifier tells advertisers and operators about confirmations and failures.
// Delivery problems are the notifier's own business.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, p storage.Payment, campaigns []storage.Campaign)
	LinkFailed(ctx context.Context, p storage.Payment, c storage.Campaign, err error)
}

type nopNotifier struct{}

func (nopNotifier) PaymentConfirmed(context.Context, storage.Payment, []storage.Campaign) {}
func (nopNotifier) LinkFailed(context.Context, storage.Payment, storage.Campaign, error)  {}

// Engine is the payment state machine
type Engine struct {
	ledger    Ledger
	guard     guard.Guard
	ads       AdServer
	notifier  Notifier
	publisher events.Publisher
	verifiers map[gateway.Provider]Verifier
	faceValue map[gateway.Provider]bool
	log       *zap.Logger

	cleanupGrace time.Duration
	linkTimeout  time.Duration
	now          func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithNotifier sets where confirmations and link failures are reported
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPublisher sets the lifecycle event publisher
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithVerifier registers the verifier of a provider
func WithVerifier(p gateway.Provider, v Verifier) Option {
	return func(e *Engine) { e.verifiers[p] = v }
}

// WithFaceValue accepts notifications of the given providers as they are
// when no verifier is registered for them. Anyone able to reach the
// endpoint can then confirm payments, so it is only meant for tests and
// closed networks.
func WithFaceValue(providers ...gateway.Provider) Option {
	return func(e *Engine) {
		for _, p := range providers {
			e.faceValue[p] = true
		}
	}
}

// WithCleanupGrace sets how long orders of an expired payment are kept
func WithCleanupGrace(d time.Duration) Option {
	return func(e *Engine) { e.cleanupGrace = d }
}

// WithLinkTimeout bounds each ad-server link call
func WithLinkTimeout(d time.Duration) Option {
	return func(e *Engine) { e.linkTimeout = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine
func New(ledger Ledger, g guard.Guard, ads AdServer, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:       ledger,
		guard:        g,
		ads:          ads,
		notifier:     nopNotifier{},
		publisher:    events.Nop{},
		verifiers:    make(map[gateway.Provider]Verifier),
		faceValue:    make(map[gateway.Provider]bool),
		log:          log,
		cleanupGrace: 7 * 24 * time.Hour,
		linkTimeout:  10 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile applies one notification. Every failure is folded into the
// returned Outcome.
func (e *Engine) Reconcile(ctx context.Context, ev gateway.Event) Outcome {
	ctx, span := otel.Tracer("beton/reconcile").Start(ctx, "Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.key", ev.Key),
		attribute.String("payment.provider", string(ev.Provider)),
		attribute.String("event.kind", ev.Kind.String()),
	)

	var out Outcome
	if ev.Kind == gateway.KindAck {
		out = noop(ev.Key, ReasonAckOnly)
	} else {
		// A pass runs to completion even if the caller goes away
		ctx = context.WithoutCancel(ctx)
		err := e.guard.WithLock(ctx, ev.Key, func(ctx context.Context) error {
			out = e.reconcileLocked(ctx, ev)
			return nil
		})
		if err != nil {
			e.log.Error("acquire payment lock", zap.String("payment_key", ev.Key), zap.Error(err))
			out = rejected(ev.Key, ReasonLedgerError)
		}
	}

	span.SetAttributes(attribute.String("outcome", out.String()))
	if out.Result == ResultRejected {
		span.SetStatus(codes.Error, string(out.Reason))
	}
	metrics.RecordNotification(string(ev.Provider), out.Result.String(), string(out.Reason))
	if out.Result == ResultApplied {
		metrics.RecordTransition(out.From.String(), out.To.String())
	}
	return out
}

func (e *Engine) reconcileLocked(ctx context.Context, ev gateway.Event) Outcome {
	log := e.log.With(zap.String("payment_key", ev.Key), zap.String("provider", string(ev.Provider)))

	p, err := e.ledger.PaymentByKey(ctx, ev.Key)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("notification for unknown payment", zap.String("kind", ev.Kind.String()))
		return noop(ev.Key, ReasonUnknownPayment)
	}
	if err != nil {
		log.Error("load payment", zap.Error(err))
		return rejected(ev.Key, ReasonLedgerError)
	}

	from := p.Status()
	if from == storage.StatusConfirmed {
		return noop(ev.Key, ReasonAlreadyConfirmed)
	}

	if p.Provider != string(ev.Provider) {
		log.Warn("notification from wrong provider", zap.String("expected_provider", p.Provider))
		e.audit(ctx, p, fmt.Sprintf("Ignored %s notification for payment %s issued through %s", ev.Provider, p.Key, p.Provider))
		return rejected(ev.Key, ReasonProviderMismatch)
	}

	v, err := e.verify(ctx, ev, p)
	if errors.Is(err, gateway.ErrForeignReference) {
		log.Warn("notification names another payment's record", zap.String("reference", ev.Reference), zap.Error(err))
		e.audit(ctx, p, fmt.Sprintf("Ignored %s notification for payment %s: %s is not its record", ev.Provider, p.Key, ev.Reference))
		return rejected(ev.Key, ReasonForeignReference)
	}
	if err != nil {
		log.Warn("verify notification", zap.Error(err))
		return rejected(ev.Key, ReasonVerificationFailed)
	}
	if v.Kind != ev.Kind {
		log.Info("provider state differs from notification",
			zap.String("claimed", ev.Kind.String()), zap.String("verified", v.Kind.String()))
	}

	switch v.Kind {
	case gateway.KindReceived:
		return e.applyReceived(ctx, log, p, v)
	case gateway.KindConfirmed:
		return e.applyConfirmed(ctx, log, p, v)
	case gateway.KindExpired:
		return e.applyExpired(ctx, log, p)
	}
	return noop(ev.Key, ReasonNothingToApply)
}

// verify returns the provider's own view of the payment. A provider with no
// verifier fails verification unless it was registered WithFaceValue.
func (e *Engine) verify(ctx context.Context, ev gateway.Event, p *storage.Payment) (gateway.Verification, error) {
	verifier, ok := e.verifiers[ev.Provider]
	if !ok {
		if e.faceValue[ev.Provider] {
			return gateway.Verification{Kind: ev.Kind, Observed: ev.Observed, TxRef: ev.Reference}, nil
		}
		return gateway.Verification{}, fmt.Errorf("%s: %w", ev.Provider, errNoVerifier)
	}

	ctx, span := otel.Tracer("beton/reconcile").Start(ctx, "Verify")
	defer span.End()

	v, err := verifier.Verify(ctx, ev, p.Currency)
	if err != nil {
		span.RecordError(err)
		return v, err
	}
	if v.TxRef == "" {
		v.TxRef = ev.Reference
	}
	return v, nil
}

func (e *Engine) applyReceived(ctx context.Context, log *zap.Logger, p *storage.Payment, v gateway.Verification) Outcome {
	if p.Status() == storage.StatusReceived {
		return noop(p.Key, ReasonAlreadyReceived)
	}

	now := e.now()
	msg := fmt.Sprintf("Payment %s: %s %s seen, awaiting confirmation", p.Key, v.Observed.String(), p.Currency)
	changed, err := e.ledger.MarkReceived(ctx, p.Key, now, storage.AuditEntry{UserID: p.UserID, LoggedAt: now, Message: msg})
	if err != nil {
		log.Error("mark received", zap.Error(err))
		return rejected(p.Key, ReasonLedgerError)
	}
	if !changed {
		return noop(p.Key, ReasonAlreadyReceived)
	}

	log.Info("payment received", zap.String("observed", v.Observed.String()))
	e.publish(ctx, events.TypePaymentReceived, p, v, msg)
	return applied(p.Key, storage.StatusUnseen, storage.StatusReceived)
}

func (e *Engine) applyConfirmed(ctx context.Context, log *zap.Logger, p *storage.Payment, v gateway.Verification) Outcome {
	from := p.Status()

	if v.Observed.LessThan(p.Expected) {
		msg := fmt.Sprintf("Payment %s rejected: received %s %s, expected %s %s",
			p.Key, v.Observed.String(), p.Currency, p.Expected.String(), p.Currency)
		log.Warn("insufficient amount", zap.String("observed", v.Observed.String()), zap.String("expected", p.Expected.String()))
		e.audit(ctx, p, msg)
		e.publish(ctx, events.TypePaymentRejected, p, v, msg)
		return rejected(p.Key, ReasonAmountMismatch)
	}

	now := e.now()
	msg := fmt.Sprintf("Payment %s confirmed: %s %s received", p.Key, v.Observed.String(), p.Currency)
	if v.TxRef != "" {
		msg += " in " + v.TxRef
	}
	changed, err := e.ledger.ConfirmPayment(ctx, p.Key, now, v.TxRef, storage.AuditEntry{UserID: p.UserID, LoggedAt: now, Message: msg})
	if errors.Is(err, storage.ErrTxRefReused) {
		msg := fmt.Sprintf("Payment %s rejected: %s already settled another payment", p.Key, v.TxRef)
		log.Warn("transaction reference reused", zap.String("tx_ref", v.TxRef))
		e.audit(ctx, p, msg)
		e.publish(ctx, events.TypePaymentRejected, p, v, msg)
		return rejected(p.Key, ReasonTxRefReused)
	}
	if err != nil {
		log.Error("confirm payment", zap.Error(err))
		return rejected(p.Key, ReasonLedgerError)
	}
	if !changed {
		return noop(p.Key, ReasonAlreadyConfirmed)
	}

	log.Info("payment confirmed", zap.String("observed", v.Observed.String()), zap.String("tx_ref", v.TxRef))
	e.publish(ctx, events.TypePaymentConfirmed, p, v, msg)

	// The confirmation is committed; linking below is best-effort
	p.ConfirmedAt = now
	p.TxRef = v.TxRef
	if p.ReceivedAt.Equal(storage.NotYet) {
		p.ReceivedAt = now
	}

	out := applied(p.Key, from, storage.StatusConfirmed)
	campaigns, warnings := e.linkCampaigns(ctx, log, p, false)
	out.Warnings = warnings

	e.notifier.PaymentConfirmed(ctx, *p, campaigns)
	return out
}

func (e *Engine) applyExpired(ctx context.Context, log *zap.Logger, p *storage.Payment) Outcome {
	after := e.now().Add(e.cleanupGrace)
	n, err := e.ledger.MarkOrdersForCleanup(ctx, p.Key, after)
	if err != nil {
		log.Error("mark orders for cleanup", zap.Error(err))
		return rejected(p.Key, ReasonLedgerError)
	}
	if n == 0 {
		return noop(p.Key, ReasonNothingToApply)
	}

	msg := fmt.Sprintf("Payment %s expired unpaid; %d order(s) will be removed after %s",
		p.Key, n, after.Format(time.RFC3339))
	log.Info("payment expired", zap.Int64("orders", n))
	e.audit(ctx, p, msg)
	e.publish(ctx, events.TypePaymentExpired, p, gateway.Verification{}, msg)

	status := p.Status()
	return applied(p.Key, status, status)
}

// Relink retries linking the unlinked campaigns of a confirmed payment. It
// is the manual remedy for failed links. Campaigns whose last link attempt
// got no answer are skipped: the ad server may hold the link already.
func (e *Engine) Relink(ctx context.Context, key string) Outcome {
	return e.relink(ctx, key, false)
}

// ForceRelink is Relink including campaigns with an unknown link outcome.
// Use it once the ad server shows they are not linked.
func (e *Engine) ForceRelink(ctx context.Context, key string) Outcome {
	return e.relink(ctx, key, true)
}

func (e *Engine) relink(ctx context.Context, key string, force bool) Outcome {
	var out Outcome
	err := e.guard.WithLock(ctx, key, func(ctx context.Context) error {
		log := e.log.With(zap.String("payment_key", key))

		p, err := e.ledger.PaymentByKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			out = noop(key, ReasonUnknownPayment)
			return nil
		}
		if err != nil {
			return err
		}
		if p.Status() != storage.StatusConfirmed {
			out = rejected(key, ReasonNotConfirmed)
			return nil
		}

		linked, warnings := e.linkCampaigns(ctx, log, p, force)
		switch {
		case len(linked) == 0 && len(warnings) == 0:
			out = noop(key, ReasonNothingToApply)
		case len(linked) == 0:
			out = rejected(key, ReasonLinkFailed)
			out.Warnings = warnings
		default:
			out = applied(key, storage.StatusConfirmed, storage.StatusConfirmed)
			out.Warnings = warnings
		}
		return nil
	})
	if err != nil {
		e.log.Error("relink", zap.String("payment_key", key), zap.Error(err))
		return rejected(key, ReasonLedgerError)
	}
	return out
}

// linkCampaigns links every unlinked campaign of p. Campaigns with an
// unknown link outcome are only retried when force is set. It returns the
// campaigns linked now and a warning per campaign left unlinked.
func (e *Engine) linkCampaigns(ctx context.Context, log *zap.Logger, p *storage.Payment, force bool) ([]storage.Campaign, []string) {
	campaigns, err := e.ledger.UnlinkedCampaigns(ctx, p.Key, true)
	if err != nil {
		log.Error("load campaigns", zap.Error(err))
		return nil, []string{fmt.Sprintf("load campaigns: %v", err)}
	}

	var linked []storage.Campaign
	var warnings []string
	for _, c := range campaigns {
		if c.LinkUnknown() && !force {
			warnings = append(warnings, fmt.Sprintf(
				"Campaign #%d: outcome of the last link into zone #%d is unknown; check the ad server, then run relink --force",
				c.ID, c.ZoneID))
			continue
		}

		lctx, cancel := context.WithTimeout(ctx, e.linkTimeout)
		_, err := e.ads.LinkCampaign(lctx, c.ZoneID, c.ID)
		cancel()

		if errors.Is(err, revive.ErrLinkUnknown) {
			msg := fmt.Sprintf("Linking campaign #%d into zone #%d got no answer, it may be linked already: %v", c.ID, c.ZoneID, err)
			log.Warn("link campaign outcome unknown", zap.Int64("campaign_id", c.ID), zap.Int64("zone_id", c.ZoneID), zap.Error(err))
			if _, err := e.ledger.MarkCampaignLinkUnknown(ctx, c.ID, e.now()); err != nil {
				log.Error("mark campaign link unknown", zap.Int64("campaign_id", c.ID), zap.Error(err))
			}
			e.linkFailed(ctx, p, c, msg, err)
			warnings = append(warnings, msg)
			continue
		}
		if err != nil {
			msg := fmt.Sprintf("Linking campaign #%d into zone #%d failed: %v", c.ID, c.ZoneID, err)
			log.Warn("link campaign", zap.Int64("campaign_id", c.ID), zap.Int64("zone_id", c.ZoneID), zap.Error(err))
			e.linkFailed(ctx, p, c, msg, err)
			warnings = append(warnings, msg)
			continue
		}

		if _, err := e.ledger.MarkCampaignLinked(ctx, c.ID, e.now()); err != nil {
			log.Error("mark campaign linked", zap.Int64("campaign_id", c.ID), zap.Error(err))
		}
		c.LinkedAt = e.now()
		linked = append(linked, c)
		e.publishCampaign(ctx, events.TypeCampaignLinked, p, c, "")
		log.Info("campaign linked", zap.Int64("campaign_id", c.ID), zap.Int64("zone_id", c.ZoneID))
	}
	return linked, warnings
}

func (e *Engine) linkFailed(ctx context.Context, p *storage.Payment, c storage.Campaign, msg string, err error) {
	metrics.RecordLinkFailure()
	e.audit(ctx, p, msg)
	e.publishCampaign(ctx, events.TypeCampaignLinkFailed, p, c, msg)
	e.notifier.LinkFailed(ctx, *p, c, err)
}

func (e *Engine) audit(ctx context.Context, p *storage.Payment, msg string) {
	err := e.ledger.AppendAudit(ctx, storage.AuditEntry{UserID: p.UserID, LoggedAt: e.now(), Message: msg})
	if err != nil {
		e.log.Error("append audit", zap.String("payment_key", p.Key), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, t events.Type, p *storage.Payment, v gateway.Verification, msg string) {
	ev := events.PaymentEvent{
		Type:       t,
		PaymentID:  p.ID,
		Key:        p.Key,
		Provider:   p.Provider,
		UserID:     p.UserID,
		Expected:   p.Expected.String(),
		Currency:   p.Currency,
		TxRef:      v.TxRef,
		Message:    msg,
		OccurredAt: e.now(),
	}
	if !v.Observed.IsZero() {
		ev.Observed = v.Observed.String()
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("publish lifecycle event", zap.String("type", string(t)), zap.Error(err))
	}
}

func (e *Engine) publishCampaign(ctx context.Context, t events.Type, p *storage.Payment, c storage.Campaign, msg string) {
	ev := events.PaymentEvent{
		Type:       t,
		PaymentID:  p.ID,
		Key:        p.Key,
		Provider:   p.Provider,
		UserID:     p.UserID,
		TxRef:      p.TxRef,
		CampaignID: c.ID,
		ZoneID:     c.ZoneID,
		Message:    msg,
		OccurredAt: e.now(),
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("publish lifecycle event", zap.String("type", string(t)), zap.Error(err))
	}
}
