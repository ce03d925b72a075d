package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kasirinaja/kiosk/internal/cache"
	"kasirinaja/kiosk/internal/config"
	"kasirinaja/kiosk/internal/connectivity"
	"kasirinaja/kiosk/internal/httpapi"
	"kasirinaja/kiosk/internal/service"
	"kasirinaja/kiosk/internal/store"
	"kasirinaja/kiosk/internal/store/memory"
	pgstore "kasirinaja/kiosk/internal/store/postgres"
	"kasirinaja/kiosk/internal/store/sqlite"
	"kasirinaja/kiosk/internal/syncer"
	"kasirinaja/kiosk/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("invalid security configuration", slog.Any("error", err))
		os.Exit(1)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	app, err := build(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.monitor.Run(runCtx)
	go app.orchestrator.Run(runCtx)
	go func() {
		logger.Info("kiosk listening", slog.String("addr", cfg.Address()), slog.String("terminal_id", cfg.TerminalID))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-runCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	app.shutdown(shutdownCtx)
	logger.Info("kiosk stopped")
}

type app struct {
	store        store.Store
	kiosk        *service.Kiosk
	monitor      *connectivity.Monitor
	orchestrator *syncer.Orchestrator
	server       *http.Server
	closers      []func() error
	logger       *slog.Logger
}

// build wires every component from cfg. Nothing is started.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	s, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = s
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	statusCache := cache.StatusCache(cache.NoopStatusCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStatusCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("WARN: failed to reach redis, sync status is not published", slog.Any("error", err))
			_ = redisCache.Close()
		} else {
			statusCache = redisCache
			a.closers = append(a.closers, redisCache.Close)
			logger.Info("status cache: redis")
		}
	}

	salePolicy, ok := syncer.ParseSalePolicy(cfg.SalePolicy)
	if !ok {
		a.close()
		return nil, fmt.Errorf("unknown SALE_POLICY %q", cfg.SalePolicy)
	}
	managerPIN, err := service.NewManagerPIN(cfg.ManagerPIN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("manager pin: %w", err)
	}

	remote := transport.NewHTTP(cfg.ServerURL, cfg.ServerToken, cfg.CallTimeout, logger)
	a.monitor = connectivity.NewMonitor(remote, cfg.ProbeInterval, logger)
	a.kiosk = service.NewKiosk(s, service.NewTransportSessionChecker(remote, cfg.CallTimeout), a.monitor, managerPIN, logger)

	pipeline, err := syncer.DefaultPipeline(a.kiosk.Sessions, a.kiosk.Closures, a.kiosk.Sales, a.kiosk.Stock, a.kiosk.Movements)
	if err != nil {
		a.close()
		return nil, err
	}
	a.orchestrator = syncer.New(pipeline, remote, s, a.monitor, statusCache, syncer.Options{
		CallTimeout: cfg.CallTimeout,
		MaxAttempts: cfg.SyncMaxAttempts,
		SalePolicy:  salePolicy,
		Interval:    cfg.SyncInterval,
		TerminalID:  cfg.TerminalID,
	}, logger)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, 8*time.Hour)
	api := httpapi.New(a.kiosk, a.orchestrator, auth, cfg.AllowedOrigin, logger)
	a.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func() error, error) {
	schema := store.KioskSchema()
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, schema)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		logger.Info("local store: postgres")
		return pg, pg.Close, nil
	case config.DriverMemory:
		logger.Warn("WARN: local store is in-memory, records are lost on restart")
		return memory.New(schema), nil, nil
	default:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, schema)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite unavailable: %w", err)
		}
		logger.Info("local store: sqlite", slog.String("path", cfg.SQLitePath))
		return db, db.Close, nil
	}
}

// shutdown stops the API, waits for a running sync pass and closes the store.
func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("WARN: failed to shut down http server", slog.Any("error", err))
	}
	if err := a.orchestrator.Stop(ctx); err != nil {
		a.logger.Warn("WARN: failed to wait for sync pass", slog.Any("error", err))
	}
	a.close()
}

func (a *app) close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("WARN: failed to close resource", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
