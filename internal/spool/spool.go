// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package spool grava o feed _changes no log de backup como batches ':t'.
//
// O spooler é single-writer: os números de batch são contíguos a partir de 0
// e estritamente crescentes na ordem de emissão. O feed inteiro nunca é
// materializado — cada linha do feed vira no máximo um DocRef em buffer.
package spool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/logfile"
)

// seqInterval é o hint enviado ao servidor para suprimir emissão
// intermediária de last_seq, reduzindo o payload do feed.
const seqInterval = 10000

// Result é o resultado de um spool completo.
type Result struct {
	Batches int
	Docs    int64
	LastSeq string
}

// Spool consome _changes e escreve o log em logPath, truncando qualquer
// arquivo existente (a pré-condição de resume exclui este caminho). Cada
// batch ':t' passa pelo observer onBatch antes do download começar.
// Em erro o log fica como está: o próximo run precisa começar um backup
// novo, não resume.
func Spool(ctx context.Context, client *couch.Client, logPath string, bufferSize int, logger *slog.Logger, onBatch func(batchNumber, docs int)) (Result, error) {
	w, err := logfile.Create(logPath)
	if err != nil {
		return Result{}, cerrors.SpoolChangesError("creating backup log: %v", err)
	}
	defer w.Close()

	var (
		buffer []logfile.DocRef
		batch  int
		docs   int64
	)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := w.AppendPending(batch, buffer); err != nil {
			return err
		}
		logger.Debug("spooled batch", "batch", batch, "docs", len(buffer))
		if onBatch != nil {
			onBatch(batch, len(buffer))
		}
		batch++
		docs += int64(len(buffer))
		buffer = buffer[:0]
		return nil
	}

	lastSeq, err := client.Changes(ctx, seqInterval, func(row couch.ChangeRow) error {
		if len(row.Changes) == 0 {
			return nil
		}
		buffer = append(buffer, logfile.DocRef{ID: row.ID})
		if len(buffer) >= bufferSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	// Flush do buffer parcial final
	if err := flush(); err != nil {
		return Result{}, fmt.Errorf("flushing final batch: %w", err)
	}

	if err := w.AppendChangesComplete(lastSeq); err != nil {
		return Result{}, fmt.Errorf("writing changes_complete: %w", err)
	}
	if err := w.Sync(); err != nil {
		return Result{}, fmt.Errorf("syncing backup log: %w", err)
	}

	logger.Info("changes spooling complete",
		"batches", batch,
		"docs", docs,
		"last_seq", lastSeq,
	)
	return Result{Batches: batch, Docs: docs, LastSeq: lastSeq}, nil
}
