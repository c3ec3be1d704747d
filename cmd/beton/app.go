package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/btcpay"
	"github.com/beton-ads/beton/internal/config"
	"github.com/beton-ads/beton/internal/electrum"
	"github.com/beton-ads/beton/internal/events"
	"github.com/beton-ads/beton/internal/gateway"
	"github.com/beton-ads/beton/internal/guard"
	"github.com/beton-ads/beton/internal/logging"
	"github.com/beton-ads/beton/internal/reconcile"
	"github.com/beton-ads/beton/internal/revive"
	"github.com/beton-ads/beton/internal/storage"
	"github.com/beton-ads/beton/internal/tonapi"
)

const providerTimeout = 15 * time.Second

// app holds what every subcommand needs
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *storage.Storage
	ads    *revive.Client
	guard  guard.Guard
	tonAPI *tonapi.Client

	closers []func()
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	store, err := storage.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })
	log.Info("storage initialized", zap.String("driver", cfg.DBDriver))

	ads, err := revive.NewClient(cfg.ReviveURL, cfg.ReviveUser, cfg.RevivePassword, providerTimeout, cfg.ReviveSessionTTL, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init revive client: %w", err)
	}
	a.ads = ads
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ads.Logoff(ctx); err != nil {
			log.Warn("revive logoff", zap.Error(err))
		}
	})

	if cfg.RedisAddr != "" {
		rdb, err := guard.InitRedis(cfg.RedisAddr, cfg.RedisPassword, log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.guard = guard.NewRedisGuard(rdb, cfg.LockTTL, log)
		a.closers = append(a.closers, func() { rdb.Close() })
	} else {
		log.Info("REDIS_ADDR not set, payment locks are process-local")
		a.guard = guard.NewKeyedMutex()
	}

	if cfg.TonAPIKey != "" || cfg.TonWebhookEndpoint != "" {
		a.tonAPI = tonapi.NewClient(cfg.TonAPIBaseURL, cfg.TonAPIKey, providerTimeout)
	}

	return a, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// engine builds the reconciliation engine with every configured verifier
// and the lifecycle event publisher.
func (a *app) engine(opts ...reconcile.Option) (*reconcile.Engine, error) {
	cfg := a.cfg

	all := []reconcile.Option{
		reconcile.WithCleanupGrace(cfg.CleanupGrace),
		reconcile.WithLinkTimeout(cfg.LinkTimeout),
	}

	if cfg.ElectrumURL != "" {
		client := electrum.NewClient(cfg.ElectrumURL, cfg.ElectrumUser, cfg.ElectrumPassword, providerTimeout)
		all = append(all, reconcile.WithVerifier(gateway.ProviderElectrum, electrum.NewVerifier(client)))
	}
	if cfg.BTCPayURL != "" {
		client := btcpay.NewClient(cfg.BTCPayURL, cfg.BTCPayStoreID, cfg.BTCPayAPIKey, providerTimeout)
		all = append(all, reconcile.WithVerifier(gateway.ProviderBTCPay, btcpay.NewVerifier(client)))
	}
	if a.tonAPI != nil {
		all = append(all, reconcile.WithVerifier(gateway.ProviderTON, tonapi.NewVerifier(a.tonAPI)))
	}

	unverified := map[gateway.Provider]bool{
		gateway.ProviderElectrum: cfg.ElectrumURL == "",
		gateway.ProviderBTCPay:   cfg.BTCPayURL == "",
		gateway.ProviderTON:      a.tonAPI == nil,
	}
	for p, missing := range unverified {
		if missing {
			a.log.Warn("no verifier configured, notifications will be rejected", zap.String("provider", string(p)))
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.InitProducer(cfg.KafkaBrokers, a.log)
		if err != nil {
			return nil, err
		}
		pub := events.NewKafkaPublisher(producer, cfg.KafkaTopic, a.log)
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				a.log.Warn("close kafka producer", zap.Error(err))
			}
		})
		all = append(all, reconcile.WithPublisher(pub))
	}

	all = append(all, opts...)
	return reconcile.New(a.store, a.guard, a.ads, a.log, all...), nil
}
