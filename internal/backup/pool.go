// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/logfile"
)

// fetchPool executa os bulk-gets de uma sessão de download com N workers.
// Cada batch tem no máximo um fetch em voo: o feed é um canal e cada batch
// entra nele exatamente uma vez. O StreamWriter serializa as escritas no
// stream; o logfile.Writer serializa os appends ':d'.
type fetchPool struct {
	client   *couch.Client
	stream   *StreamWriter
	log      *logfile.Writer
	logger   *slog.Logger
	listener *Listener
	total    *atomic.Int64
}

// run processa os batches da sessão com o paralelismo indicado. Se um worker
// falha, o contexto é cancelado, os batches em voo completam ou falham, e o
// primeiro erro é retornado. O progresso parcial em disco continua válido
// (log e backup consistentes até o último ':d').
func (p *fetchPool) run(ctx context.Context, batches []logfile.Batch, parallelism int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := make(chan logfile.Batch)
	errCh := make(chan error, parallelism)
	var wg sync.WaitGroup

	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range feed {
				if err := p.fetchOne(ctx, batch); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		}()
	}

	// Alimenta os workers; para de aceitar trabalho novo no primeiro erro
feedLoop:
	for _, batch := range batches {
		select {
		case feed <- batch:
		case <-ctx.Done():
			break feedLoop
		}
	}
	close(feed)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// fetchOne baixa as revisões de um batch e grava, nesta ordem: a linha no
// stream de backup (flushed), depois o ack ':d' no log. O log nunca
// reconhece um batch cujos docs não estão duráveis no stream.
func (p *fetchPool) fetchOne(ctx context.Context, batch logfile.Batch) error {
	start := time.Now()

	docs, err := p.client.BulkGet(ctx, batch.Docs)
	if err != nil {
		return fmt.Errorf("fetching batch %d: %w", batch.Number, err)
	}

	if err := p.stream.WriteBatchLine(docs); err != nil {
		return fmt.Errorf("writing batch %d: %w", batch.Number, err)
	}
	if err := p.log.AppendDone(batch.Number); err != nil {
		return fmt.Errorf("acknowledging batch %d: %w", batch.Number, err)
	}

	total := p.total.Add(int64(len(docs)))
	elapsed := time.Since(start)

	p.logger.Debug("batch complete",
		"batch", batch.Number,
		"docs", len(docs),
		"total", total,
		"elapsed", elapsed,
	)
	p.listener.emitWritten(WrittenEvent{
		Batch:     batch.Number,
		Documents: len(docs),
		Total:     total,
		Time:      elapsed,
	})
	return nil
}
