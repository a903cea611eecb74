// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
	"github.com/nishisan-dev/cdb-backup/internal/config"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/logging"
	"github.com/nishisan-dev/cdb-backup/internal/progress"
	"github.com/nishisan-dev/cdb-backup/internal/restore"
	"github.com/nishisan-dev/cdb-backup/internal/transfer"
)

func main() {
	opts, showProgress := parseFlags()

	logger := logging.NewCLILogger(config.EnvString("COUCH_LOG_LEVEL", "info"), opts.Quiet)

	if err := opts.Validate(); err != nil {
		logger.Error("invalid options", "error", err)
		os.Exit(cerrors.ExitCode(err))
	}

	if err := run(context.Background(), opts, showProgress, logger); err != nil {
		logger.Error("restore failed", "error", err)
		os.Exit(cerrors.ExitCode(err))
	}
}

func parseFlags() (config.RestoreOptions, bool) {
	var opts config.RestoreOptions
	var timeoutSec int

	url := config.EnvString("COUCH_URL", config.EnvString("CLOUDANT_URL", ""))

	flag.StringVar(&opts.URL, "url", url, "target database URL including the database path")
	flag.IntVar(&opts.Parallelism, "parallelism", config.EnvInt("COUCH_PARALLELISM", config.DefaultParallelism), "concurrent _bulk_docs requests")
	flag.IntVar(&opts.BufferSize, "buffer-size", config.EnvInt("COUCH_BUFFER_SIZE", config.DefaultBufferSize), "documents per batch")
	flag.IntVar(&timeoutSec, "request-timeout", config.EnvInt("COUCH_REQUEST_TIMEOUT", int(config.DefaultTimeout.Seconds())), "per-request timeout in seconds")
	flag.StringVar(&opts.IAMAPIKey, "iam-api-key", config.EnvString("CLOUDANT_IAM_API_KEY", ""), "IAM API key for bearer token auth")
	flag.StringVar(&opts.IAMTokenURL, "iam-token-url", config.EnvString("CLOUDANT_IAM_TOKEN_URL", ""), "override the IAM token endpoint")
	flag.BoolVar(&opts.Quiet, "quiet", config.EnvBool("COUCH_QUIET", false), "suppress progress logging")
	flag.StringVar(&opts.Input, "input", config.EnvString("COUCH_INPUT", ""), "input file, s3://bucket/key, or empty for stdin")
	showProgress := flag.Bool("progress", false, "show a progress bar on stderr")
	flag.Parse()

	opts.RequestTimeout = time.Duration(timeoutSec) * time.Second
	return opts, *showProgress
}

func run(ctx context.Context, opts config.RestoreOptions, showProgress bool, logger *slog.Logger) error {
	client, err := couch.NewClient(opts.URL, couch.Options{
		Timeout:     opts.RequestTimeout,
		Parallelism: opts.Parallelism,
		IAMAPIKey:   opts.IAMAPIKey,
		IAMTokenURL: opts.IAMTokenURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// Pré-condição antes de abrir o stream: destino existe e está vazio
	if err := restore.CheckTargetEmpty(ctx, client); err != nil {
		return err
	}

	source, closer, err := openInput(ctx, opts.Input, logger)
	if err != nil {
		return err
	}
	defer closer()

	// Sniffing de magic bytes decide gzip/zstd/passthrough
	stream, err := transfer.NewDecompressor(source)
	if err != nil {
		return err
	}

	var reporter *progress.Reporter
	var listener *restore.Listener
	if showProgress {
		reporter = progress.New(client.DBName())
		listener = &restore.Listener{
			Restored: func(ev restore.RestoredEvent) {
				reporter.AddDocs(int64(ev.Documents))
				reporter.AddBatch()
			},
		}
	}

	summary, runErr := restore.Run(ctx, client, stream, opts.Parallelism, logger, listener)

	if reporter != nil {
		reporter.Stop()
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("restore complete", "database", client.DBName(), "docs", summary.Total)
	return nil
}

// openInput abre o stream de origem: stdin, arquivo local ou objeto S3.
func openInput(ctx context.Context, input string, logger *slog.Logger) (io.Reader, func(), error) {
	switch {
	case input == "":
		return os.Stdin, func() {}, nil

	case transfer.IsS3URL(input):
		loc, err := transfer.ParseS3URL(input)
		if err != nil {
			return nil, nil, cerrors.InvalidOption("%v", err)
		}
		store, err := transfer.NewS3Store(ctx, transfer.S3Options{}, logger)
		if err != nil {
			return nil, nil, err
		}
		body, err := store.Download(ctx, loc)
		if err != nil {
			return nil, nil, err
		}
		return body, func() { body.Close() }, nil

	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, nil, fmt.Errorf("opening input file: %w", err)
		}
		return f, func() { f.Close() }, nil
	}
}
