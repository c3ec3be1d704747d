package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/gateway"
	"github.com/beton-ads/beton/internal/tonapi"
)

// Subscriptions is the TonAPI webhook management surface
type Subscriptions interface {
	ListWebhooks(ctx context.Context) ([]tonapi.Webhook, error)
	CreateWebhook(ctx context.Context, endpoint string) (*tonapi.Webhook, error)
	SubscribeAccounts(ctx context.Context, webhookID int64, accounts []string) error
	UnsubscribeAccounts(ctx context.Context, webhookID int64, accounts []string) error
}

// PendingLister returns keys of payments that may still receive funds
type PendingLister interface {
	PendingKeys(ctx context.Context, provider string) ([]string, error)
}

// Manager subscribes TonAPI to the accounts of unconfirmed TON payments
type Manager struct {
	ledger   PendingLister
	tonAPI   Subscriptions
	endpoint string
	log      *zap.Logger

	mu         sync.Mutex
	webhookID  int64
	subscribed map[string]bool
}

// NewManager creates a new webhook manager
func NewManager(ledger PendingLister, tonAPI Subscriptions, endpoint string, log *zap.Logger) *Manager {
	return &Manager{
		ledger:     ledger,
		tonAPI:     tonAPI,
		endpoint:   endpoint,
		log:        log,
		subscribed: make(map[string]bool),
	}
}

// Init finds or creates the webhook pointing at our endpoint
func (m *Manager) Init(ctx context.Context) error {
	if m.endpoint == "" {
		m.log.Warn("ton webhook endpoint not set, skipping webhook init")
		return nil
	}

	webhooks, err := m.tonAPI.ListWebhooks(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wh := range webhooks {
		if wh.Endpoint == m.endpoint {
			m.webhookID = wh.ID
			m.log.Info("using existing webhook", zap.Int64("id", wh.ID))
			return nil
		}
	}

	webhook, err := m.tonAPI.CreateWebhook(ctx, m.endpoint)
	if err != nil {
		return err
	}

	m.webhookID = webhook.ID
	m.log.Info("created new webhook", zap.Int64("id", webhook.ID))

	return nil
}

// SyncLoop periodically syncs subscriptions with pending TON payments
func (m *Manager) SyncLoop(ctx context.Context, interval time.Duration) {
	if m.endpoint == "" {
		return
	}

	m.log.Info("webhook sync loop started", zap.Duration("interval", interval))

	if err := m.Sync(ctx); err != nil {
		m.log.Error("sync subscriptions", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				m.log.Error("sync subscriptions", zap.Error(err))
			}
		}
	}
}

// Sync subscribes new pending accounts and drops settled ones. Failed
// batches are retried on the next call.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.webhookID == 0 {
		return nil
	}

	keys, err := m.ledger.PendingKeys(ctx, string(gateway.ProviderTON))
	if err != nil {
		return err
	}

	needed := make(map[string]bool, len(keys))
	for _, k := range keys {
		needed[k] = true
	}

	var toAdd []string
	for addr := range needed {
		if !m.subscribed[addr] {
			toAdd = append(toAdd, addr)
		}
	}

	var toRemove []string
	for addr := range m.subscribed {
		if !needed[addr] {
			toRemove = append(toRemove, addr)
		}
	}

	if len(toAdd) > 0 {
		if err := m.tonAPI.SubscribeAccounts(ctx, m.webhookID, toAdd); err != nil {
			m.log.Error("subscribe accounts", zap.Error(err), zap.Int("count", len(toAdd)))
		} else {
			for _, addr := range toAdd {
				m.subscribed[addr] = true
			}
			m.log.Info("subscribed accounts", zap.Int("count", len(toAdd)))
		}
	}

	if len(toRemove) > 0 {
		if err := m.tonAPI.UnsubscribeAccounts(ctx, m.webhookID, toRemove); err != nil {
			m.log.Error("unsubscribe accounts", zap.Error(err), zap.Int("count", len(toRemove)))
		} else {
			for _, addr := range toRemove {
				delete(m.subscribed, addr)
			}
			m.log.Info("unsubscribed accounts", zap.Int("count", len(toRemove)))
		}
	}

	return nil
}

// WebhookID returns the current webhook ID
func (m *Manager) WebhookID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhookID
}
