package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fibratel/routerpilot/internal/adapter"
	"github.com/fibratel/routerpilot/internal/bindings"
	"github.com/fibratel/routerpilot/internal/config"
	"github.com/fibratel/routerpilot/internal/control"
	"github.com/fibratel/routerpilot/internal/devices"
	"github.com/fibratel/routerpilot/internal/engine"
	"github.com/fibratel/routerpilot/internal/intake"
	"github.com/fibratel/routerpilot/internal/notify"
	"github.com/fibratel/routerpilot/internal/oplog"
	"github.com/fibratel/routerpilot/internal/rules"
	"github.com/fibratel/routerpilot/internal/server"
	"github.com/fibratel/routerpilot/internal/store"
	"github.com/fibratel/routerpilot/internal/ticket"
	"github.com/fibratel/routerpilot/internal/vault"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("routerpilot starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := store.New(cfg.DB.Path)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, m := range []struct {
		module     string
		migrations []store.Migration
	}{
		{"devices", devices.Migrations},
		{"bindings", bindings.Migrations},
		{"oplog", oplog.Migrations},
		{"ticket", ticket.Migrations},
		{"engine", engine.Migrations},
		{"rules", rules.Migrations},
		{"notify", notify.Migrations},
	} {
		if err := db.Migrate(ctx, m.module, m.migrations); err != nil {
			logger.Fatal("migration failed", zap.String("module", m.module), zap.Error(err))
		}
	}

	vlt, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		logger.Fatal("failed to initialize credential vault", zap.Error(err))
	}

	adapters := adapter.NewRegistry(logger)
	if err := adapter.RegisterDefaults(adapters); err != nil {
		logger.Fatal("failed to register adapters", zap.Error(err))
	}

	deviceRepo := devices.NewSQLiteRepository(db.DB())
	registry := devices.NewRegistry(deviceRepo, adapters, vlt, cfg.Adapter.Timeout, cfg.Adapter.InsecureTLS, logger)

	bindingRepo := bindings.NewSQLiteRepository(db.DB())
	logRepo := oplog.NewSQLiteRepository(db.DB())

	var pinger control.Pinger
	if cfg.Health.PingEnabled {
		pinger = control.NewICMPPinger(3*time.Second, 2)
	}
	ctrl := control.NewService(registry, bindingRepo, logRepo, pinger, cfg.Health.SweepConcurrency, logger)

	ticketRepo := ticket.NewSQLiteRepository(db, time.Now)
	tickets := ticket.NewService(ticketRepo, time.Now, logger)

	notifier := notify.NewSQLiteNotifier(db.DB(), logger)
	queue := engine.NewQueue(db, time.Now)
	eng := engine.New(engine.Config{
		Workers:        cfg.Engine.Workers,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		RetryBackoff:   cfg.Engine.RetryBackoff,
		TaskTimeout:    cfg.Engine.TaskTimeout,
		PollInterval:   cfg.Engine.PollInterval,
		DeviceInterval: cfg.Engine.DeviceInterval,
	}, queue, ctrl, tickets, notifier, engine.StaticDirectory(cfg.Engine.Technicians), logger)
	tickets.SetEnqueuer(eng)

	intakeSvc := intake.NewService(tickets, bindingRepo, eng, logger)

	ruleRepo := rules.NewSQLiteRepository(db.DB())
	scheduler := rules.NewScheduler(ruleRepo, deviceRepo, bindingRepo, ctrl, cfg.Rules.Interval, logger)

	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("execution engine stopped", zap.Error(err))
		}
	}()

	if cfg.Rules.Enabled {
		go func() {
			if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("rule scheduler stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Health.SweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Health.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					ctrl.HealthCheckAll(ctx)
				}
			}
		}()
	}

	srv := server.New(cfg.Server.Addr(), server.Deps{
		Registry:      registry,
		Control:       ctrl,
		Tickets:       tickets,
		Intake:        intakeSvc,
		Logs:          logRepo,
		Rules:         ruleRepo,
		Notifications: notifier,
	}, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("routerpilot ready", zap.String("addr", cfg.Server.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("routerpilot stopped")
}
