// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/couch"
)

// Shallow executa um backup shallow mode: um loop sequencial sobre _all_docs
// com include_docs=true. Cada página vira uma linha no stream. Só revisões
// vencedoras, sem log, sem resume — conflitos são ignorados.
func Shallow(ctx context.Context, client *couch.Client, target io.Writer, bufferSize int, logger *slog.Logger, listener *Listener) (Summary, error) {
	stream := NewStreamWriter(target)
	if err := stream.WriteHeader(ModeShallow, false); err != nil {
		return Summary{}, err
	}

	var (
		total    int64
		batch    int
		startKey string
	)

	for {
		start := time.Now()
		rows, err := client.AllDocs(ctx, bufferSize, startKey)
		if err != nil {
			return Summary{}, err
		}
		if len(rows) == 0 {
			break
		}

		docs := make([]json.RawMessage, 0, len(rows))
		for _, row := range rows {
			if row.Doc != nil {
				docs = append(docs, row.Doc)
			}
		}
		if err := stream.WriteBatchLine(docs); err != nil {
			return Summary{}, err
		}

		total += int64(len(docs))
		listener.emitWritten(WrittenEvent{
			Batch:     batch,
			Documents: len(docs),
			Total:     total,
			Time:      time.Since(start),
		})
		logger.Debug("shallow page complete", "batch", batch, "docs", len(docs))
		batch++

		if len(rows) < bufferSize {
			break
		}
		// Sentinela '\0' exclui a última key retornada da próxima página
		startKey = rows[len(rows)-1].Key + "\x00"
	}

	logger.Info("shallow backup complete", "total", total)
	return Summary{Total: total}, nil
}
