package bountyd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"labescrow/native/bounty"
	"labescrow/native/escrow"
	"labescrow/observability"
	"labescrow/observability/logging"
	telemetry "labescrow/observability/otel"
	"labescrow/services/bountyd/auth"
	"labescrow/services/bountyd/evidence"
	"labescrow/services/bountyd/notify"
	"labescrow/services/bountyd/store"
)

// Main initialises and runs the bounty daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/bountyd/config.yaml", "path to bountyd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("BOUNTYD_ENV"))
	logger := logging.Setup("bountyd", env, logging.WithLevel(cfg.Logging.Level), logging.WithFile(cfg.Logging.File))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("bountyd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	st, responses, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	rails, closeRails, err := buildRails(dialCtx, cfg.Rails, logger)
	cancel()
	defer closeRails()
	if err != nil {
		return err
	}
	if len(rails) == 0 {
		logger.Warn("no payment rails enabled; funding requests will be rejected")
	}
	orchestratorOpts := []escrow.Option{
		escrow.WithObserver(observability.Rails()),
		escrow.WithLogger(logger),
	}
	for _, r := range rails {
		orchestratorOpts = append(orchestratorOpts, escrow.WithRail(r))
	}
	orchestrator := escrow.NewOrchestrator(orchestratorOpts...)

	machine := bounty.NewMachine(
		bounty.WithRules(cfg.Rules),
		bounty.WithObserver(observability.Bounty()),
	)

	queue := notify.NewQueue(notify.WithCapacity(cfg.Notify.Capacity), notify.WithTTL(cfg.Notify.TTL.Duration))
	dispatcher := notify.NewDispatcher(queue, cfg.Notify.Endpoints, notify.WithLogger(logger))

	serviceOpts := []ServiceOption{WithEmitter(dispatcher), WithServiceLogger(logger)}
	if strings.TrimSpace(cfg.Evidence.Endpoint) != "" {
		objects, err := evidence.NewMinioStore(cfg.Evidence)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = objects.EnsureBucket(ctx)
		cancel()
		if err != nil {
			return err
		}
		expiry := time.Duration(cfg.Evidence.ExpireHours) * time.Hour
		serviceOpts = append(serviceOpts, WithEvidenceStore(evidence.NewStore(objects, cfg.Evidence.MaxBytes, expiry)))
	}
	service := NewService(st, machine, orchestrator, serviceOpts...)

	authn, err := auth.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled; every caller is treated as admin")
	}

	handler := NewServer(service, authn, responses, cfg.RateLimit, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      http.TimeoutHandler(handler, cfg.RequestTimeout.Duration, "request timed out"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("bountyd listening", slog.String("addr", cfg.ListenAddress), slog.String("database", cfg.Database.Driver))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// openStore opens the configured backend. Both backends also persist
// idempotent responses.
func openStore(cfg DatabaseConfig) (store.Store, store.IdempotencyStore, error) {
	if cfg.Driver == "leveldb" {
		st, err := store.OpenLevelDB(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	db, err := store.OpenDatabase(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewGormStore(db)
	if err != nil {
		return nil, nil, err
	}
	return st, st, nil
}
