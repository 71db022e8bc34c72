package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/identity/sqlstore"
	"github.com/MrEthical07/gatekeeper/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const memoryRedis = "memory"

// application owns every long-lived dependency of the daemon.
type application struct {
	cfg        Config
	configPath string
	logger     *slog.Logger

	mem        *miniredis.Miniredis
	redis      redis.UniversalClient
	identities *sqlstore.Store
	engine     *gatekeeper.Engine

	otpSender gatekeeper.OTPSender
	notifier  gatekeeper.SecurityNotifier

	server *http.Server
}

type option func(*application)

// withOTPSender replaces the logging sender, e.g. with a real gateway.
func withOTPSender(s gatekeeper.OTPSender) option {
	return func(app *application) { app.otpSender = s }
}

func withNotifier(n gatekeeper.SecurityNotifier) option {
	return func(app *application) { app.notifier = n }
}

func newApplication(ctx context.Context, cfg Config, configPath string, logger *slog.Logger, opts ...option) (*application, error) {
	app := &application{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otpSender:  logOTPSender{logger: logger, dev: cfg.Dev},
		notifier:   logNotifier{logger: logger},
	}
	for _, opt := range opts {
		opt(app)
	}

	generated, err := app.cfg.ensureKeys()
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn("using ephemeral signing keys; tokens will not survive a restart")
	}

	if err := app.initRedis(ctx); err != nil {
		app.close()
		return nil, err
	}
	if err := app.initIdentities(ctx); err != nil {
		app.close()
		return nil, err
	}
	if err := app.initEngine(); err != nil {
		app.close()
		return nil, err
	}
	if err := app.bootstrap(ctx); err != nil {
		app.close()
		return nil, err
	}
	app.initHTTP()
	return app, nil
}

func (app *application) initRedis(ctx context.Context) error {
	addrs := app.cfg.Redis.Addrs
	if len(addrs) == 1 && addrs[0] == memoryRedis {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start embedded redis: %w", err)
		}
		app.mem = mr
		addrs = []string{mr.Addr()}
		app.logger.Warn("using embedded in-memory redis; state is lost on exit", "addr", mr.Addr())
	}

	app.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      addrs,
		Username:   app.cfg.Redis.Username,
		Password:   app.cfg.Redis.Password,
		DB:         app.cfg.Redis.DB,
		MasterName: app.cfg.Redis.MasterName,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (app *application) initIdentities(ctx context.Context) error {
	verifier, err := password.NewVerifier(app.cfg.Password)
	if err != nil {
		return err
	}
	store, err := sqlstore.Open(ctx, app.cfg.Identity, verifier)
	if err != nil {
		return err
	}
	app.identities = store

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("apply identity migrations: %w", err)
	}
	app.logger.Info("identity store ready", "dialect", app.cfg.Identity.Dialect)
	return nil
}

func (app *application) initEngine() error {
	b := gatekeeper.New().
		WithConfig(app.cfg.Engine).
		WithRedis(app.redis).
		WithIdentityStore(app.identities).
		WithCredentialVerifier(app.identities).
		WithOTPSender(app.otpSender).
		WithNotifier(app.notifier).
		WithLogger(app.logger)
	if app.cfg.Engine.Audit.Enabled {
		b = b.WithAuditSink(gatekeeper.NewSlogSink(app.logger.With("stream", "audit")))
	}

	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	app.engine = engine
	return nil
}

// bootstrap creates the configured seed identity once. An existing
// identifier is left untouched.
func (app *application) bootstrap(ctx context.Context) error {
	bc := app.cfg.Bootstrap
	if bc.Identifier == "" {
		return nil
	}
	if bc.Password == "" {
		return errors.New("bootstrap identity needs GATEKEEPER_BOOTSTRAP_PASSWORD")
	}
	userID := bc.UserID
	if userID == "" {
		userID = "bootstrap"
	}

	_, err := app.identities.GetIdentity(ctx, userID)
	switch {
	case err == nil:
		app.logger.Info("bootstrap identity present", "user_id", userID)
		return nil
	case !errors.Is(err, gatekeeper.ErrIdentityNotFound):
		return err
	}

	if _, err := app.identities.CreateIdentity(ctx, sqlstore.NewIdentity{
		UserID:     userID,
		TenantID:   bc.TenantID,
		Identifier: bc.Identifier,
		Password:   bc.Password,
		Roles:      bc.Roles,
	}); err != nil {
		return fmt.Errorf("create bootstrap identity: %w", err)
	}
	app.logger.Info("bootstrap identity created", "user_id", userID)
	return nil
}

func (app *application) initHTTP() {
	a := &api{
		engine:        app.engine,
		identities:    app.identities,
		logger:        app.logger,
		secureCookies: app.cfg.Server.SecureCookies,
	}
	sc := app.cfg.Server
	app.server = &http.Server{
		Addr:              sc.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(app.logger.Handler(), slog.LevelWarn),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (app *application) Run(ctx context.Context) error {
	if app.configPath != "" {
		w, err := newPolicyWatcher(app.configPath, app.engine, app.logger)
		if err != nil {
			app.logger.Warn("rate policy hot reload disabled", "error", err)
		} else {
			go w.Run(ctx)
		}
	}

	app.logger.Info("gatekeeper listening", "addr", app.server.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		app.close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		app.logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownGracePeriod)
	defer cancel()
	err := app.server.Shutdown(shutdownCtx)
	if err != nil {
		app.logger.Error("graceful shutdown failed", "error", err)
		_ = app.server.Close()
	}
	app.close()
	app.logger.Info("gatekeeper stopped")
	return err
}

// close releases dependencies in reverse order of creation. It tolerates a
// partially built application.
func (app *application) close() {
	if app.engine != nil {
		app.engine.Close()
	}
	if app.identities != nil {
		if err := app.identities.Close(); err != nil {
			app.logger.Error("close identity store", "error", err)
		}
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.mem != nil {
		app.mem.Close()
	}
}
