package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relikd/dockwatch/pkg/config"
	"github.com/relikd/dockwatch/pkg/engine"
	"github.com/relikd/dockwatch/pkg/freshness"
	"github.com/relikd/dockwatch/pkg/metrics"
	"github.com/relikd/dockwatch/pkg/orchestrator"
	"github.com/relikd/dockwatch/pkg/regcred"
	"github.com/relikd/dockwatch/pkg/scheduler"
	"github.com/relikd/dockwatch/pkg/update"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	dockerGateway, err := engine.New(logger)
	if err != nil {
		logger.Error("could not connect to docker engine", "error", err)
		os.Exit(1)
	}
	defer dockerGateway.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStartup()

	if err := dockerGateway.Ping(startupCtx); err != nil {
		logger.Error("docker engine unavailable", "error", err)
		os.Exit(1)
	}

	orchGateway := orchestrator.New(orchestrator.Config{
		URL:         cfg.PortainerURL,
		APIKey:      cfg.PortainerAPIKey,
		Username:    cfg.PortainerUsername,
		Password:    cfg.PortainerPassword,
		InsecureTLS: cfg.PortainerInsecure,
	}, logger)
	logger.Info("orchestrator integration", "enabled", cfg.OrchestratorEnabled())

	var oracleOpts []freshness.Option
	if cfg.RegistryDirectCheck {
		var keychain *regcred.Keychain
		if cfg.RegistryCredentialsPath != "" {
			keychain, err = regcred.FromFile(cfg.RegistryCredentialsPath)
			if err != nil {
				logger.Warn("could not read registry credentials, continuing anonymously", "path", cfg.RegistryCredentialsPath, "error", err)
				keychain = nil
			}
		}

		oracleOpts = append(oracleOpts, freshness.WithRegistryDirectCheck(nil, keychain))
	}

	oracle := freshness.New(dockerGateway, logger, oracleOpts...)

	updateEngine := update.New(dockerGateway, orchGateway, oracle, logger, update.Config{
		ExcludePatterns:     cfg.ExcludePatterns,
		BackupRetention:     cfg.BackupRetention,
		ContainerCheckDelay: cfg.ContainerCheckDelay,
	})

	sched := scheduler.New(cfg.Schedule)
	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-signals
		logger.Info("shutdown signal received, finishing in-flight cycle")
		cancel()
	}()

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsListenAddr, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	runLoop(ctx, logger, updateEngine, sched, recorder)
}

func runLoop(ctx context.Context, logger *slog.Logger, updateEngine *update.Engine, sched *scheduler.Scheduler, recorder *metrics.Recorder) {
	for {
		result, err := updateEngine.Run(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			logger.Error("cycle failed", "error", err)
		} else {
			recorder.Observe(result)
			logger.Info("cycle complete",
				"containers_updated", result.ContainersUpdated,
				"containers_rolled_back", result.ContainersRolledBack,
				"containers_abandoned", result.ContainersAbandoned,
				"stacks_redeployed", result.StacksRedeployed,
				"images_pruned", result.ImagesPruned,
			)
		}

		if err := sched.Wait(ctx, time.Now()); err != nil {
			return
		}
	}
}
