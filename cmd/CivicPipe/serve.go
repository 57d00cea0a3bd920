package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/api"
	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/lock"
	"github.com/BTreeMap/CivicPipe/internal/lockfile"
	"github.com/BTreeMap/CivicPipe/internal/media"
	"github.com/BTreeMap/CivicPipe/internal/messaging"
	"github.com/BTreeMap/CivicPipe/internal/recovery"
	"github.com/BTreeMap/CivicPipe/internal/scheduler"
	"github.com/BTreeMap/CivicPipe/internal/store"
	"github.com/BTreeMap/CivicPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CivicPipe/internal/whatsapp"
)

const (
	redisNamespace      = "civicpipe"
	outboxPollInterval  = 5 * time.Second
	schedulerStopBudget = 30 * time.Second
)

type whatsAppFlags struct {
	qrOutput string
	numeric  bool
}

// app is the wired object graph behind serve.
type app struct {
	store     store.Store
	catalog   *flow.Catalog
	sessions  *flow.SessionManager
	engine    *flow.Engine
	messaging messaging.Service
	apiOpts   []api.Option
	closers   []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// buildApp wires storage, routing and the engine. svc may be nil, in which case the
// provider named by config is built.
func buildApp(ctx context.Context, config Config, svc messaging.Service, wa whatsAppFlags) (*app, error) {
	a := &app{}
	st, err := store.New(ctx, config.ApplicationDBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.catalog = flow.NewCatalog(st, flow.DefaultCatalogTTL)
	a.sessions = flow.NewSessionManager(st, a.catalog)

	uploader, err := media.NewDiskUploader(
		media.WithDir(filepath.Join(config.StateDir, DefaultMediaDirName)),
		media.WithBaseURL(config.MediaBaseURL),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	router := flow.NewRouter(a.catalog, flow.WithInputCollector(flow.NewInputCollector(uploader)))

	var engineOpts []flow.EngineOption
	if len(config.RedisAddrs) > 0 {
		client := store.NewRedisClient(store.RedisConfig{Addrs: config.RedisAddrs, Namespace: redisNamespace})
		a.closers = append(a.closers, client.Close)
		engineOpts = append(engineOpts,
			flow.WithDedup(store.NewRedisDedup(client, redisNamespace, store.DefaultDedupTTL)),
			flow.WithLocker(lock.NewRedisLocker(client, redisNamespace)),
		)
		slog.Info("Using Redis for session locks and event dedup", "addrs", config.RedisAddrs)
	}
	a.engine = flow.NewEngine(st, a.catalog, router, engineOpts...)

	if svc == nil {
		svc, a.apiOpts, err = buildMessagingService(config, wa)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.messaging = svc

	a.apiOpts = append(a.apiOpts, api.WithAddr(config.APIAddr))
	if len(config.AllowedOrigins) > 0 {
		a.apiOpts = append(a.apiOpts, api.WithAllowedOrigins(config.AllowedOrigins...))
	}
	return a, nil
}

// buildMessagingService constructs the provider transport and any webhook it needs.
func buildMessagingService(config Config, wa whatsAppFlags) (messaging.Service, []api.Option, error) {
	switch config.Provider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(config.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(config.Twilio.FromNumber),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.Twilio.WebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(client, config.Twilio.WebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(client, config.TenantID, opts...)
		return svc, []api.Option{api.WithTwilioWebhook(svc.TwilioWebhookHandler)}, nil
	case ProviderLog:
		slog.Warn("Log provider selected: outbound messages are recorded, nothing is delivered")
		return messaging.NewWhatsAppService(whatsapp.NewMockClient(), config.TenantID), nil, nil
	default:
		var opts []whatsapp.Option
		opts = append(opts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
		if wa.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(wa.qrOutput))
		}
		if wa.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client, config.TenantID), nil, nil
	}
}

// runServe holds the state directory lock and runs until ctx is cancelled.
func runServe(ctx context.Context, config Config, wa whatsAppFlags) error {
	instance, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer instance.Release()

	a, err := buildApp(ctx, config, nil, wa)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.run(ctx, config)
}

// run repairs state from an unclean stop, starts the transport and the background
// workers, then serves the API. It blocks until ctx is cancelled or one of them fails.
func (a *app) run(ctx context.Context, config Config) error {
	if err := a.messaging.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer a.messaging.Stop()

	sender := store.NewOutboxSender(a.store, messaging.NewOutboxSendFunc(a.messaging), outboxPollInterval)
	dispatcher := messaging.NewDispatcher(a.messaging, a.engine, messaging.WithNotify(sender.Notify))

	startup := recovery.NewManager()
	startup.Register("outbox-stale-sending", recovery.Func(sender.RecoverStaleMessages))
	startup.Register("expired-sessions", recovery.Func(func(ctx context.Context) error {
		_, err := a.sessions.SweepExpired(ctx)
		return err
	}))
	if err := startup.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete, continuing", "error", err)
	}

	loc, err := time.LoadLocation(config.CronTimezone)
	if err != nil {
		return fmt.Errorf("invalid cron timezone %q: %w", config.CronTimezone, err)
	}
	sched := scheduler.NewScheduler(loc)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), schedulerStopBudget)
		defer cancel()
		sched.Stop(stopCtx)
	}()
	if err := sched.AddContextJob(ctx, "session-housekeeping", config.SweepCron, a.sessions.Housekeep); err != nil {
		return err
	}

	server := api.NewServer(a.catalog, a.sessions, a.apiOpts...)
	return server.Run(ctx, dispatcher.Run, func(ctx context.Context) error {
		sender.Run(ctx)
		return nil
	})
}
