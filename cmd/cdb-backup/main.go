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

	"github.com/nishisan-dev/cdb-backup/internal/backup"
	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
	"github.com/nishisan-dev/cdb-backup/internal/config"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/daemon"
	"github.com/nishisan-dev/cdb-backup/internal/logging"
	"github.com/nishisan-dev/cdb-backup/internal/progress"
	"github.com/nishisan-dev/cdb-backup/internal/transfer"
)

func main() {
	// Subcomando "daemon" detectado via os.Args
	if len(os.Args) >= 2 && os.Args[1] == "daemon" {
		runDaemon(os.Args[2:])
		return
	}

	opts, showProgress := parseFlags()

	logger := logging.NewCLILogger(config.EnvString("COUCH_LOG_LEVEL", "info"), opts.Quiet)

	if err := opts.Validate(); err != nil {
		logger.Error("invalid options", "error", err)
		os.Exit(cerrors.ExitCode(err))
	}

	// Backup full sem --log ganha um log temporário descartável
	if opts.Mode == config.ModeFull && opts.Log == "" {
		logPath, err := config.TempLogPath()
		if err != nil {
			logger.Error("cannot create temp log", "error", err)
			os.Exit(1)
		}
		defer os.Remove(logPath)
		opts.Log = logPath
	}

	if err := run(context.Background(), opts, showProgress, logger); err != nil {
		logger.Error("backup failed", "error", err)
		os.Exit(cerrors.ExitCode(err))
	}
}

func parseFlags() (config.BackupOptions, bool) {
	var opts config.BackupOptions
	var timeoutSec int

	url := config.EnvString("COUCH_URL", config.EnvString("CLOUDANT_URL", ""))

	flag.StringVar(&opts.URL, "url", url, "database URL including the database path")
	flag.IntVar(&opts.Parallelism, "parallelism", config.EnvInt("COUCH_PARALLELISM", config.DefaultParallelism), "concurrent _bulk_get requests")
	flag.IntVar(&opts.BufferSize, "buffer-size", config.EnvInt("COUCH_BUFFER_SIZE", config.DefaultBufferSize), "documents per batch")
	flag.IntVar(&timeoutSec, "request-timeout", config.EnvInt("COUCH_REQUEST_TIMEOUT", int(config.DefaultTimeout.Seconds())), "per-request timeout in seconds")
	flag.StringVar(&opts.Mode, "mode", config.EnvString("COUCH_MODE", config.ModeFull), "backup mode: full or shallow")
	flag.StringVar(&opts.Log, "log", config.EnvString("COUCH_LOG", ""), "backup log file path")
	flag.BoolVar(&opts.Resume, "resume", config.EnvBool("COUCH_RESUME", false), "resume an interrupted backup from its log")
	flag.StringVar(&opts.IAMAPIKey, "iam-api-key", config.EnvString("CLOUDANT_IAM_API_KEY", ""), "IAM API key for bearer token auth")
	flag.StringVar(&opts.IAMTokenURL, "iam-token-url", config.EnvString("CLOUDANT_IAM_TOKEN_URL", ""), "override the IAM token endpoint")
	flag.BoolVar(&opts.Quiet, "quiet", config.EnvBool("COUCH_QUIET", false), "suppress progress logging")
	flag.BoolVar(&opts.Attachments, "attachments", config.EnvBool("COUCH_ATTACHMENTS", false), "include attachments (experimental)")
	flag.StringVar(&opts.Compression, "compression", "", "compress the output: none, gzip or zstd")
	flag.Int64Var(&opts.Throttle, "throttle", 0, "output rate limit in bytes/second, 0 for unlimited")
	flag.StringVar(&opts.Output, "output", config.EnvString("COUCH_OUTPUT", ""), "output file, s3://bucket/key, or empty for stdout")
	showProgress := flag.Bool("progress", false, "show a progress bar on stderr")
	flag.Parse()

	opts.RequestTimeout = time.Duration(timeoutSec) * time.Second
	return opts, *showProgress
}

func run(ctx context.Context, opts config.BackupOptions, showProgress bool, logger *slog.Logger) error {
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

	// Destino bruto: stdout, arquivo local ou objeto S3 via pipe
	var (
		sink      io.Writer
		file      *os.File
		pipe      *io.PipeWriter
		uploadErr chan error
	)
	switch {
	case opts.Output == "":
		sink = os.Stdout

	case transfer.IsS3URL(opts.Output):
		loc, err := transfer.ParseS3URL(opts.Output)
		if err != nil {
			return cerrors.InvalidOption("%v", err)
		}
		store, err := transfer.NewS3Store(ctx, transfer.S3Options{}, logger)
		if err != nil {
			return err
		}
		pr, pw := io.Pipe()
		pipe = pw
		uploadErr = make(chan error, 1)
		go func() { uploadErr <- store.Upload(ctx, loc, pr) }()
		sink = pw

	default:
		flags := os.O_WRONLY | os.O_CREATE
		if opts.Resume {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(opts.Output, flags, 0o640)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		file = f
		sink = f
	}

	throttled := transfer.NewThrottledWriter(ctx, sink, opts.Throttle)
	comp, err := transfer.NewCompressor(throttled, opts.Compression)
	if err != nil {
		return err
	}

	var reporter *progress.Reporter
	var listener *backup.Listener
	if showProgress {
		reporter = progress.New(client.DBName())
		// O spool alimenta os totais; enquanto ele roda a barra fica em
		// modo spinner e vira barra com ETA assim que os totais crescem
		var totalDocs, totalBatches int64
		listener = &backup.Listener{
			Changes: func(_, docs int) {
				totalDocs += int64(docs)
				totalBatches++
				reporter.SetTotals(totalDocs, totalBatches)
			},
			Written: func(ev backup.WrittenEvent) {
				reporter.AddDocs(int64(ev.Documents))
				reporter.AddBatch()
			},
		}
	}

	var summary backup.Summary
	var runErr error
	if opts.Mode == config.ModeShallow {
		if opts.Resume {
			logger.Warn("resume is not supported in shallow mode, running a fresh backup")
		}
		summary, runErr = backup.Shallow(ctx, client, comp, opts.BufferSize, logger, listener)
	} else {
		summary, runErr = backup.Full(ctx, client, comp, backup.Options{
			Parallelism: opts.Parallelism,
			BufferSize:  opts.BufferSize,
			LogPath:     opts.Log,
			Resume:      opts.Resume,
			Attachments: opts.Attachments,
		}, logger, listener)
	}

	if reporter != nil {
		reporter.Stop()
	}

	// Fecha a cadeia de writers na ordem inversa
	if closeErr := comp.Close(); closeErr != nil && runErr == nil {
		runErr = fmt.Errorf("finalizing compressed stream: %w", closeErr)
	}
	switch {
	case file != nil:
		if closeErr := file.Close(); closeErr != nil && runErr == nil {
			runErr = fmt.Errorf("closing output file: %w", closeErr)
		}
	case pipe != nil:
		if runErr != nil {
			pipe.CloseWithError(runErr)
			<-uploadErr
		} else {
			pipe.Close()
			if err := <-uploadErr; err != nil {
				runErr = err
			}
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("backup complete", "database", client.DBName(), "docs", summary.Total)
	return nil
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "/etc/cdb-backup/daemon.yaml", "path to daemon config file")
	fs.Parse(args)

	cfg, err := config.LoadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := daemon.Run(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
