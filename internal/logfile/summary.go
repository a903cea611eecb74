// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logfile

import (
	"fmt"
	"os"

	"github.com/nishisan-dev/cdb-backup/internal/liner"
)

// Summary é o estado do log após uma passada completa.
// Um número de batch está em Pending sse o log contém uma linha ':t batch<N>'
// e nenhuma ':d batch<N>' posterior. A ordem é a de inserção no log.
type Summary struct {
	ChangesComplete bool
	LastSeq         string
	Pending         []int
}

// Summarize lê o log uma única vez com o parse metadata-only e retorna o
// resumo. Read-only e idempotente.
func Summarize(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("opening backup log %s: %w", path, err)
	}
	defer f.Close()

	var (
		summary Summary
		order   []int
		pending = make(map[int]bool)
	)

	err = liner.New(f).Each(func(l liner.Line) error {
		meta := ParseMeta(l.Text)
		switch meta.Command {
		case CommandPending:
			if !pending[meta.Number] {
				order = append(order, meta.Number)
			}
			pending[meta.Number] = true
		case CommandDone:
			delete(pending, meta.Number)
		case CommandChangesComplete:
			summary.ChangesComplete = true
			summary.LastSeq = meta.LastSeq
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("reading backup log %s: %w", path, err)
	}

	for _, n := range order {
		if pending[n] {
			summary.Pending = append(summary.Pending, n)
		}
	}
	return summary, nil
}
