// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package daemon roda backups recorrentes: um cron job por entry da
// config, com retry por execução, métricas de sistema durante runs e
// reload de config via SIGHUP.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/config"
)

// Run inicia o daemon e bloqueia até receber SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração sem downtime (systemctl reload).
func Run(configPath string, cfg *config.DaemonConfig, logger *slog.Logger) error {
	logger.Info("starting daemon",
		"agent", cfg.Agent.Name,
		"jobs", len(cfg.Jobs),
	)

	sched, stats, err := startScheduler(cfg, logger)
	if err != nil {
		return err
	}

	// Aguarda signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.LoadDaemonConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			// Para scheduler e stats atuais
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			stats.Stop()
			sched.Stop(stopCtx)
			stopCancel()

			// Recria com nova config
			cfg = newCfg
			sched, stats, err = startScheduler(cfg, logger)
			if err != nil {
				logger.Error("failed to create scheduler after reload", "error", err)
				return fmt.Errorf("reload scheduler: %w", err)
			}

			logger.Info("config reloaded successfully",
				"agent", cfg.Agent.Name,
				"jobs", len(cfg.Jobs),
			)
			continue
		}

		// SIGTERM ou SIGINT — graceful shutdown
		logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		stats.Stop()
		sched.Stop(ctx)
		cancel()
		return nil
	}
}

func startScheduler(cfg *config.DaemonConfig, logger *slog.Logger) (*Scheduler, *StatsReporter, error) {
	runFn := func(ctx context.Context, job *Job) (int64, error) {
		jobLogger := logger.With("job", job.Entry.Name, "database", job.Entry.Database)
		return runJobWithRetry(ctx, cfg, job.Entry, jobLogger)
	}

	sched, err := NewScheduler(cfg, logger, runFn)
	if err != nil {
		return nil, nil, fmt.Errorf("creating scheduler: %w", err)
	}
	sched.Start()

	// Stats reporter — emite métricas a cada 5 minutos
	stats := NewStatsReporter(sched, logger)
	stats.Start()

	return sched, stats, nil
}

// runJobWithRetry executa um job com retry usando exponential backoff.
func runJobWithRetry(ctx context.Context, cfg *config.DaemonConfig, entry config.JobEntry, logger *slog.Logger) (int64, error) {
	var lastErr error

	for attempt := 0; attempt < cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
			logger.Info("retrying backup",
				"attempt", attempt+1,
				"delay", delay,
			)

			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		docs, err := RunJob(ctx, cfg, entry, logger)
		if err == nil {
			return docs, nil
		}

		lastErr = err
		logger.Warn("backup attempt failed",
			"attempt", attempt+1,
			"error", err,
		)
	}

	return 0, fmt.Errorf("all %d backup attempts failed, last error: %w", cfg.Retry.MaxAttempts, lastErr)
}

// calculateBackoff calcula o delay com exponential backoff capped.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
