// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package restore implementa o orquestrador de restore.
//
// O stream de backup é lido linha a linha, cada array JSON vira um batch com
// contador monotônico, e os batches alimentam um pool de _bulk_docs com
// paralelismo limitado. Não há ordem garantida entre batches: com
// new_edits:false as escritas são comutativas porque cada revisão carrega a
// própria história. Não existe resume parcial — um restore que falha é
// descartado e repetido contra um database vazio.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/backup"
	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/liner"
)

// RestoredEvent é emitido por batch gravado no destino.
type RestoredEvent struct {
	Batch     int
	Documents int
	Total     int64
	Time      time.Duration
}

// Listener recebe o progresso do restore.
type Listener struct {
	Restored func(RestoredEvent)
}

func (l *Listener) emitRestored(ev RestoredEvent) {
	if l != nil && l.Restored != nil {
		l.Restored(ev)
	}
}

// Summary é o resultado final de um restore.
type Summary struct {
	Total int64
}

// restoreBatch é um array de revisões com seu número de batch, atribuído
// pelo packer na ordem das linhas do arquivo.
type restoreBatch struct {
	number int
	docs   []json.RawMessage
}

// CheckTargetEmpty valida a pré-condição do restore: o destino existe, está
// acessível e vazio (doc_count e doc_del_count zerados). Databases de
// sistema (nome começando com '_') são isentos por causa dos ddocs de
// validação.
func CheckTargetEmpty(ctx context.Context, client *couch.Client) error {
	if strings.HasPrefix(client.DBName(), "_") {
		return client.HeadDatabase(ctx)
	}
	info, err := client.GetDatabaseInformation(ctx)
	if err != nil {
		return err
	}
	if info.DocCount != 0 || info.DocDelCount != 0 {
		return cerrors.DatabaseNotEmpty(client.DBName())
	}
	return nil
}

// Run executa o restore de source para o database do client.
func Run(ctx context.Context, client *couch.Client, source io.Reader, parallelism int, logger *slog.Logger, listener *Listener) (Summary, error) {
	if parallelism <= 0 {
		parallelism = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := make(chan restoreBatch)
	errCh := make(chan error, parallelism+1)
	var total atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range feed {
				if err := writeBatch(ctx, client, batch, &total, logger, listener); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		}()
	}

	// Packer: classifica linhas e atribui números de batch em ordem
	packErr := packLines(ctx, source, feed, logger)
	close(feed)
	wg.Wait()

	select {
	case err := <-errCh:
		return Summary{}, err
	default:
	}
	if packErr != nil {
		return Summary{}, packErr
	}

	logger.Info("restore complete", "total", total.Load())
	return Summary{Total: total.Load()}, nil
}

// packLines lê o stream pelo framer numerado e envia cada array JSON como um
// batch. Regras de tolerância por linha:
//
//   - linha 1 que parseia como header {name,version,mode} é metadado
//   - linha vazia: pulada
//   - resume marker: pulado
//   - linha terminando no resume marker, em arquivo com header: é o write
//     quebrado de um backup abortado, pulada
//   - qualquer outra linha inválida: em arquivo legado sem header, pulada
//     com debug; com header, BackupFileJsonError com o número da linha
func packLines(ctx context.Context, source io.Reader, feed chan<- restoreBatch, logger *slog.Logger) error {
	var (
		headerSeen bool
		backupMode string
		nextBatch  int
	)

	framer := liner.New(source)
	return framer.Each(func(line liner.Line) error {
		text := line.Text

		if line.Number == 1 {
			var header backup.Header
			if err := json.Unmarshal([]byte(text), &header); err == nil &&
				header.Name != "" && header.Version != "" && header.Mode != "" {
				headerSeen = true
				backupMode = header.Mode
				logger.Debug("backup file metadata",
					"name", header.Name,
					"version", header.Version,
					"mode", backupMode,
				)
				return nil
			}
		}

		if text == "" {
			return nil
		}
		if text == backup.ResumeMarker {
			return nil
		}

		var docs []json.RawMessage
		if err := json.Unmarshal([]byte(text), &docs); err == nil && strings.HasPrefix(strings.TrimSpace(text), "[") {
			batch := restoreBatch{number: nextBatch, docs: docs}
			nextBatch++
			select {
			case feed <- batch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if headerSeen && strings.HasSuffix(text, backup.ResumeMarker) {
			// Bytes inválidos do write abortado, imediatamente seguidos do
			// marker gravado no resume
			logger.Debug("skipping aborted partial line", "line", line.Number)
			return nil
		}
		if !headerSeen {
			// Arquivo legado: sem header não dá para distinguir quebra de
			// resume de corrupção real
			logger.Debug("skipping unparseable line in legacy file", "line", line.Number)
			return nil
		}
		return cerrors.BackupFileJsonError(line.Number, "expected a JSON array of documents")
	})
}

// writeBatch grava um batch via _bulk_docs. Se docs[0] tem _rev, o restore é
// de revisões conhecidas e usa new_edits:false.
func writeBatch(ctx context.Context, client *couch.Client, batch restoreBatch, total *atomic.Int64, logger *slog.Logger, listener *Listener) error {
	if len(batch.docs) == 0 {
		return nil
	}
	start := time.Now()

	newEdits := true
	var probe struct {
		Rev string `json:"_rev"`
	}
	if err := json.Unmarshal(batch.docs[0], &probe); err == nil && probe.Rev != "" {
		newEdits = false
	}

	results, err := client.BulkDocs(ctx, batch.docs, newEdits)
	if err != nil {
		return fmt.Errorf("restoring batch %d: %w", batch.number, err)
	}

	if !newEdits {
		// Com new_edits:false o servidor só reporta falhas por documento
		if len(results) != 0 {
			return fmt.Errorf("restoring batch %d: %d documents failed, first: %s %s",
				batch.number, len(results), results[0].Error, results[0].Reason)
		}
	} else if len(results) != len(batch.docs) {
		return fmt.Errorf("restoring batch %d: wrote %d of %d documents",
			batch.number, len(results), len(batch.docs))
	}

	count := len(batch.docs)
	sum := total.Add(int64(count))
	elapsed := time.Since(start)

	logger.Debug("batch restored", "batch", batch.number, "docs", count, "total", sum)
	listener.emitRestored(RestoredEvent{
		Batch:     batch.number,
		Documents: count,
		Total:     sum,
		Time:      elapsed,
	})
	return nil
}
