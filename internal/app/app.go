// Package app wires configuration, storage, the vault, the policy engine,
// the scheduler, the dispatcher and the webhook server into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nhle/notify-engine/internal/audit"
	"github.com/nhle/notify-engine/internal/channel"
	"github.com/nhle/notify-engine/internal/channel/call"
	"github.com/nhle/notify-engine/internal/channel/email"
	"github.com/nhle/notify-engine/internal/credential"
	"github.com/nhle/notify-engine/internal/dispatch"
	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/policy"
	"github.com/nhle/notify-engine/internal/response"
	"github.com/nhle/notify-engine/internal/scheduler"
	"github.com/nhle/notify-engine/internal/store"
	"github.com/nhle/notify-engine/internal/vault"
	"github.com/nhle/notify-engine/internal/webhook"
)

// App is the assembled engine.
type App struct {
	cfg *model.AppConfig
	log *logrus.Entry

	store      *store.SQLStore
	vault      *vault.Vault
	creds      *credential.Resolver
	engine     *policy.Engine
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	responses  *response.Handler
	audit      audit.Sink

	closers []func() error
}

// New builds every component from cfg. Nothing starts running until Run.
func New(cfg *model.AppConfig, log *logrus.Entry) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	s, err := store.Open(a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	masterKey, err := a.masterKey()
	if err != nil {
		return err
	}

	var nonces vault.NonceStore = s
	if a.cfg.Vault.NonceBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("connecting to redis %s: %w", a.cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, rdb.Close)
		nonces = vault.NewRedisNonceStore(rdb)
	}

	v, err := vault.New(masterKey, nonces, vault.WithLogger(a.log.WithField("component", "vault")))
	if err != nil {
		return err
	}
	a.vault = v
	a.creds = credential.NewResolver(v, s)

	sinks := audit.Multi{audit.NewLogSink(a.log)}
	if a.cfg.Audit.AMQPURL != "" {
		amqpSink, err := audit.NewAMQPSink(audit.AMQPConfig{
			URL:   a.cfg.Audit.AMQPURL,
			Queue: a.cfg.Audit.Queue,
		}, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, amqpSink.Close)
		sinks = append(sinks, amqpSink)
	}
	a.audit = sinks

	a.engine = policy.NewEngine(a.oracle(), policy.Config{
		MaxEntries:   a.cfg.Policy.MaxEntries,
		UrgentWindow: a.cfg.Policy.UrgentWindow,
		RetryBackoff: a.cfg.Policy.RetryBackoff,
	}, a.log)

	a.scheduler = scheduler.New(s, scheduler.Config{
		BatchSize:          a.cfg.Scheduler.BatchSize,
		InFlightTimeout:    a.cfg.Scheduler.InFlightTimeout,
		DefaultMaxAttempts: a.cfg.Dispatch.MaxAttempts,
	}, a.log)

	a.dispatcher = dispatch.New(s, s, v, a.scheduler, a.adapters(), dispatch.Config{
		ProviderTimeout: a.cfg.Dispatch.ProviderTimeout,
		TokenTTL:        a.cfg.Dispatch.TokenTTL,
		PublicURL:       a.cfg.Server.PublicURL,
		BackoffBase:     a.cfg.Dispatch.BackoffBase,
		BackoffMax:      a.cfg.Dispatch.BackoffMax,
	},
		dispatch.WithAudit(a.audit),
		dispatch.WithLogger(a.log),
		dispatch.WithRateLimit(model.ChannelEmail, a.cfg.Email.RatePerSec, a.cfg.Email.Burst),
		dispatch.WithRateLimit(model.ChannelCall, a.cfg.Call.RatePerSec, a.cfg.Call.Burst),
	)

	a.responses = response.NewHandler(s, v, a.audit, a.log)
	a.responses.SetTxNonces(a.cfg.Vault.NonceBackend != "redis")
	return nil
}

func (a *App) masterKey() ([]byte, error) {
	if a.cfg.Vault.MasterKey != "" {
		return credential.DecodeMasterKey(a.cfg.Vault.MasterKey)
	}
	ring, err := credential.OpenKeyring(expandHome(a.cfg.Vault.KeyringDir), a.cfg.Vault.KeyringPassword)
	if err != nil {
		return nil, err
	}
	return ring.MasterKey()
}

func (a *App) oracle() policy.Oracle {
	if a.cfg.Policy.Oracle == "remote" {
		r := a.cfg.Policy.Remote
		return policy.NewRemoteOracle(policy.RemoteConfig{
			URL:       r.URL,
			Model:     r.Model,
			MaxTokens: r.MaxTokens,
			Timeout:   r.Timeout,
		}, a.credential(r.APIKeyCredential), nil)
	}
	return policy.NewRuleOracle(a.cfg.Policy.Offsets)
}

func (a *App) adapters() channel.Registry {
	var adapters []channel.Adapter
	if a.cfg.Email.Host != "" {
		adapters = append(adapters, email.NewAdapter(email.Config{
			Host:        a.cfg.Email.Host,
			Port:        a.cfg.Email.Port,
			From:        a.cfg.Email.From,
			Username:    a.cfg.Email.Username,
			ImplicitTLS: a.cfg.Email.ImplicitTLS,
		}, email.PasswordFunc(a.credential(a.cfg.Email.PasswordCredential))))
	}
	if a.cfg.Call.AccountSID != "" {
		adapters = append(adapters, call.NewAdapter(call.Config{
			BaseURL:       a.cfg.Call.BaseURL,
			AccountSID:    a.cfg.Call.AccountSID,
			From:          a.cfg.Call.From,
			GatherTimeout: a.cfg.Call.GatherTimeout,
		}, call.AuthTokenFunc(a.credential(a.cfg.Call.AuthTokenCredential)), nil))
	}
	return channel.NewRegistry(adapters...)
}

// credential returns a lookup of the sealed credential name.
func (a *App) credential(name string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return a.creds.Get(ctx, name)
	}
}

// Run starts the dispatch pool, the scheduler runner and the webhook
// server, and blocks until ctx is cancelled, then shuts them down in
// reverse order.
func (a *App) Run(ctx context.Context) error {
	pool := dispatch.NewPool(a.dispatcher, a.cfg.Dispatch.Workers)
	pool.Start(ctx)

	runner := scheduler.NewRunner(a.scheduler, pool, a.store, a.cfg.Scheduler.TickSpec)
	if err := runner.Start(ctx); err != nil {
		pool.Stop()
		return err
	}

	if a.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	var signer webhook.SignatureValidator
	if a.cfg.Call.AccountSID != "" {
		signer = call.NewSigner(call.AuthTokenFunc(a.credential(a.cfg.Call.AuthTokenCredential)))
	}
	handlers := webhook.NewHandlers(a.dispatcher, a.responses, a.vault, signer, webhook.HandlersConfig{
		PublicURL:     a.cfg.Server.PublicURL,
		GatherTimeout: a.cfg.Call.GatherTimeout,
	}, a.log)
	srv := webhook.NewServer(a.cfg.Server.Addr,
		webhook.NewRouter(handlers, a.cfg.Server.RequestTimeout),
		a.cfg.Server.RequestTimeout, a.log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		if runErr != nil {
			runErr = fmt.Errorf("webhook server: %w", runErr)
		}
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.WithError(err).Error("webhook server shutdown")
	}
	runner.Stop(shutdownCtx)
	pool.Stop()

	return runErr
}

// PlanEvent plans the stored event and materializes the plan. Calendar
// sync calls it whenever an event is created or changes version.
func (a *App) PlanEvent(ctx context.Context, eventID string) (model.NotificationPlan, scheduler.MaterializeResult, error) {
	ev, err := a.store.GetEvent(ctx, eventID)
	if err != nil {
		return model.NotificationPlan{}, scheduler.MaterializeResult{}, fmt.Errorf("loading event %s: %w", eventID, err)
	}

	pref, err := a.store.GetPreference(ctx, ev.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pref = &model.UserPreference{UserID: ev.UserID, Channel: model.PreferEmail, Weekend: model.WeekendAllow}
	case err != nil:
		return model.NotificationPlan{}, scheduler.MaterializeResult{}, fmt.Errorf("loading preference for %s: %w", ev.UserID, err)
	}

	history, err := a.store.History(ctx, eventID)
	if err != nil {
		return model.NotificationPlan{}, scheduler.MaterializeResult{}, err
	}

	plan := a.engine.Plan(ctx, *ev, *pref, history)
	res, err := a.scheduler.Materialize(ctx, plan)
	return plan, res, err
}

// CancelEvent cancels every pending reminder of an event, e.g. after it
// was deleted upstream.
func (a *App) CancelEvent(ctx context.Context, eventID, reason string) (int, error) {
	return a.scheduler.Cancel(ctx, eventID, reason)
}

// SetCredential seals and stores a provider credential.
func (a *App) SetCredential(ctx context.Context, name, value string) error {
	return a.creds.Put(ctx, name, value)
}

// Close releases every resource opened by New, in reverse order.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

// NewLogger configures logrus from cfg.
func NewLogger(cfg model.LogConfig) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logrus.NewEntry(logger).WithField("service", "notifyd")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
