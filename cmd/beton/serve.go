package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/housekeeping"
	"github.com/beton-ads/beton/internal/notifier"
	"github.com/beton-ads/beton/internal/reconcile"
	"github.com/beton-ads/beton/internal/telegram"
	"github.com/beton-ads/beton/internal/tracing"
	"github.com/beton-ads/beton/internal/webhook"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve payment notifications, run housekeeping and the operator bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg, log := a.cfg, a.log

	shutdownTracing, err := tracing.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("shutdown tracing", zap.Error(err))
		}
	}()

	// The bot and the engine need each other: the bot relinks through the
	// engine and the engine alerts through the bot.
	var engine *reconcile.Engine
	var bot *telegram.Bot
	if cfg.BotToken != "" {
		relink := telegram.RelinkerFunc(func(ctx context.Context, key string) reconcile.Outcome {
			return engine.Relink(ctx, key)
		})
		bot, err = telegram.New(cfg.BotToken, cfg.AdminChatIDs, a.store, relink, log)
		if err != nil {
			return err
		}
		log.Info("telegram bot initialized", zap.Int("admins", len(cfg.AdminChatIDs)))
	}

	var mailer notifier.Mailer
	if cfg.SMTPHost != "" {
		mailer = notifier.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom)
	}
	var alerts notifier.Alerter
	if bot != nil {
		alerts = bot
	}

	engine, err = a.engine(reconcile.WithNotifier(notifier.New(mailer, alerts, log)))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if a.tonAPI != nil && cfg.TonWebhookEndpoint != "" {
		manager := webhook.NewManager(a.store, a.tonAPI, cfg.TonWebhookEndpoint, log)
		if err := manager.Init(ctx); err != nil {
			log.Error("init ton webhook", zap.Error(err))
		} else {
			run(func() { manager.SyncLoop(ctx, cfg.TonSyncInterval) })
		}
	}

	pruner := housekeeping.NewPruner(a.store, a.ads, a.guard, cfg.UnpaidTTL, log)
	run(func() { pruner.Start(ctx, cfg.HousekeepingInterval) })

	if bot != nil {
		run(func() { bot.Start(ctx) })
	}

	server := webhook.NewServer(engine, a.store, log)
	err = server.Start(ctx, cfg.HTTPPort, cfg.ServiceName)
	if err != nil {
		log.Error("webhook server", zap.Error(err))
	}

	log.Info("shutting down...")
	cancel()
	wg.Wait()
	return err
}
