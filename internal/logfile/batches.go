// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logfile

import (
	"fmt"
	"os"

	"github.com/nishisan-dev/cdb-backup/internal/liner"
)

// ReadBatches relê o log com o parse completo e emite, na ordem do log, os
// batches ':t' cujos números estão em want. O orquestrador pagina want em
// sessões de download limitadas, então o conjunto inteiro nunca precisa
// caber em memória de uma vez.
func ReadBatches(path string, want map[int]bool, fn func(Batch) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening backup log %s: %w", path, err)
	}
	defer f.Close()

	err = liner.New(f).Each(func(l liner.Line) error {
		batch := ParseBatch(l.Text)
		if batch.Command != CommandPending || !want[batch.Number] {
			return nil
		}
		return fn(batch)
	})
	if err != nil {
		return fmt.Errorf("reading batches from %s: %w", path, err)
	}
	return nil
}
