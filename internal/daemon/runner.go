// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/backup"
	"github.com/nishisan-dev/cdb-backup/internal/config"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/transfer"
)

// RunJob executa um backup completo de um job: abre o destino (arquivo
// local ou s3://), aplica compressão, roda o orquestrador e fecha a cadeia
// de writers na ordem inversa. Retorna o total de documentos gravados.
func RunJob(ctx context.Context, cfg *config.DaemonConfig, entry config.JobEntry, logger *slog.Logger) (int64, error) {
	client, err := couch.NewClient(entry.DatabaseURL(), couch.Options{
		Timeout:     entry.Timeout,
		Parallelism: entry.Parallelism,
		IAMAPIKey:   entry.IAMAPIKey,
		Logger:      logger,
	})
	if err != nil {
		return 0, err
	}

	filename := backupFilename(entry)

	monitor := NewSystemMonitor(logger)
	monitor.Start()
	defer monitor.Stop()

	if transfer.IsS3URL(entry.Dir) {
		return runToS3(ctx, cfg, entry, client, filename, logger)
	}
	return runToFile(ctx, entry, client, filepath.Join(entry.Dir, filename), logger)
}

// backupFilename nomeia o artefato como <job>-<timestamp>.backup com a
// extensão da compressão.
func backupFilename(entry config.JobEntry) string {
	name := fmt.Sprintf("%s-%s.backup", entry.Name, time.Now().Format("20060102-150405"))
	switch entry.Compress {
	case transfer.CompressionGzip:
		name += ".gz"
	case transfer.CompressionZstd:
		name += ".zst"
	}
	return name
}

func runToFile(ctx context.Context, entry config.JobEntry, client *couch.Client, path string, logger *slog.Logger) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("creating backup file: %w", err)
	}

	docs, runErr := runBackup(ctx, entry, client, f, logger)
	closeErr := f.Close()

	if runErr != nil {
		// Artefato parcial não serve para restore; o log temporário já foi
		// descartado junto
		os.Remove(path)
		return docs, runErr
	}
	if closeErr != nil {
		return docs, fmt.Errorf("closing backup file: %w", closeErr)
	}
	logger.Info("backup artifact written", "path", path)
	return docs, nil
}

func runToS3(ctx context.Context, cfg *config.DaemonConfig, entry config.JobEntry, client *couch.Client, filename string, logger *slog.Logger) (int64, error) {
	prefix, err := transfer.ParseS3URL(strings.TrimSuffix(entry.Dir, "/") + "/" + filename)
	if err != nil {
		return 0, err
	}

	store, err := transfer.NewS3Store(ctx, transfer.S3Options{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	}, logger)
	if err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	uploadErr := make(chan error, 1)
	go func() {
		uploadErr <- store.Upload(ctx, prefix, pr)
	}()

	docs, runErr := runBackup(ctx, entry, client, pw, logger)
	if runErr != nil {
		pw.CloseWithError(runErr)
		<-uploadErr
		return docs, runErr
	}
	if err := pw.Close(); err != nil {
		return docs, err
	}
	if err := <-uploadErr; err != nil {
		return docs, err
	}
	return docs, nil
}

// runBackup roda o orquestrador contra dest, com compressão e log
// temporário descartado ao final.
func runBackup(ctx context.Context, entry config.JobEntry, client *couch.Client, dest io.Writer, logger *slog.Logger) (int64, error) {
	comp, err := transfer.NewCompressor(dest, entry.Compress)
	if err != nil {
		return 0, err
	}

	var summary backup.Summary
	var runErr error

	if entry.Mode == config.ModeShallow {
		summary, runErr = backup.Shallow(ctx, client, comp, entry.BufferSize, logger, nil)
	} else {
		logPath, err := config.TempLogPath()
		if err != nil {
			comp.Close()
			return 0, err
		}
		defer os.Remove(logPath)
		// O temp log existe vazio; o orquestrador trunca ao criar
		summary, runErr = backup.Full(ctx, client, comp, backup.Options{
			Parallelism: entry.Parallelism,
			BufferSize:  entry.BufferSize,
			LogPath:     logPath,
		}, logger, nil)
	}

	if closeErr := comp.Close(); closeErr != nil && runErr == nil {
		runErr = fmt.Errorf("finalizing compressed stream: %w", closeErr)
	}
	return summary.Total, runErr
}
