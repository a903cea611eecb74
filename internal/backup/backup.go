// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backup implementa os orquestradores de backup full e shallow.
//
// Full mode: _changes é spooled uma única vez para o log em disco, e o log
// passa a ser a fonte autoritativa de trabalho. Batches pendentes são
// baixados via _bulk_get com paralelismo limitado e gravados como linhas
// JSON no stream de destino. Uma interrupção em qualquer ponto após o
// spooling deixa estado retomável em disco.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/logfile"
	"github.com/nishisan-dev/cdb-backup/internal/spool"
)

// maxSessionBatches limita o working set de uma sessão de download: no
// máximo 50 batches de IDs em memória por vez.
const maxSessionBatches = 50

// Options configura um backup.
type Options struct {
	// Parallelism é a largura do pool de bulk-get.
	Parallelism int
	// BufferSize é o número de IDs por batch.
	BufferSize int
	// LogPath é o caminho do log de backup.
	LogPath string
	// Resume retoma um backup interrompido a partir do log existente.
	Resume bool
	// Attachments habilita o pass-through experimental de attachments.
	Attachments bool
}

// Full executa um backup full mode para target. O caller abre o target
// (truncado para backup novo, append para resume); o orquestrador grava a
// primeira linha — header de metadados ou resume marker.
func Full(ctx context.Context, client *couch.Client, target io.Writer, opts Options, logger *slog.Logger, listener *Listener) (Summary, error) {
	// Valida o database antes do endpoint: um 404 aqui é DatabaseNotFound,
	// não BulkGetError
	if err := client.HeadDatabase(ctx); err != nil {
		return Summary{}, err
	}
	// Valida o endpoint _bulk_get antes de qualquer spooling
	if err := client.ProbeBulkGet(ctx); err != nil {
		return Summary{}, err
	}

	stream := NewStreamWriter(target)

	var summary logfile.Summary
	if opts.Resume {
		s, err := logfile.Summarize(opts.LogPath)
		if err != nil {
			return Summary{}, err
		}
		if !s.ChangesComplete {
			// Sem o sentinel o conjunto de trabalho não é totalmente
			// conhecido; só um backup novo é válido
			return Summary{}, cerrors.IncompleteChangesInLogFile()
		}
		summary = s

		if err := stream.WriteResumeMarker(); err != nil {
			return Summary{}, err
		}
		logger.Info("resuming backup",
			"log", opts.LogPath,
			"pending_batches", len(summary.Pending),
		)
	} else {
		if err := stream.WriteHeader(ModeFull, opts.Attachments); err != nil {
			return Summary{}, err
		}

		if _, err := spool.Spool(ctx, client, opts.LogPath, opts.BufferSize, logger, listener.emitChanges); err != nil {
			return Summary{}, err
		}

		s, err := logfile.Summarize(opts.LogPath)
		if err != nil {
			return Summary{}, err
		}
		summary = s
	}

	logWriter, err := logfile.OpenAppend(opts.LogPath)
	if err != nil {
		return Summary{}, err
	}
	defer logWriter.Close()

	var total atomic.Int64
	pool := &fetchPool{
		client:   client,
		stream:   stream,
		log:      logWriter,
		logger:   logger,
		listener: listener,
		total:    &total,
	}

	// Loop de download: pagina os pendentes em sessões limitadas. Cada
	// sessão relê o log para carregar só os batches da vez.
	pending := summary.Pending
	for len(pending) > 0 {
		n := len(pending)
		if n > maxSessionBatches {
			n = maxSessionBatches
		}
		session, rest := pending[:n], pending[n:]

		want := make(map[int]bool, len(session))
		for _, b := range session {
			want[b] = true
		}

		var batches []logfile.Batch
		if err := logfile.ReadBatches(opts.LogPath, want, func(b logfile.Batch) error {
			batches = append(batches, b)
			return nil
		}); err != nil {
			return Summary{}, err
		}

		if err := pool.run(ctx, batches, opts.Parallelism); err != nil {
			return Summary{}, fmt.Errorf("download session failed: %w", err)
		}
		pending = rest
	}

	logger.Info("backup complete", "total", total.Load())
	return Summary{Total: total.Load()}, nil
}
