// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logfile

import (
	"fmt"
	"os"
	"sync"
)

// Writer é o único escritor do log de backup. Appends são serializados por
// mutex e atômicos na granularidade de linha: cada Append* grava a linha
// inteira em uma única chamada de Write.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// Create abre o log truncando qualquer arquivo existente. Usado em backup
// novo — a pré-condição de resume exclui este caminho.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating backup log %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// OpenAppend abre um log existente para append. Usado em resume, depois que
// o summariser confirmou o sentinel.
func OpenAppend(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening backup log %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// AppendPending grava uma linha ':t' com os ids do batch n.
func (w *Writer) AppendPending(n int, docs []DocRef) error {
	line, err := PendingLine(n, docs)
	if err != nil {
		return fmt.Errorf("encoding batch %d: %w", n, err)
	}
	return w.append(line)
}

// AppendDone grava a linha ':d' do batch n. O chamador garante que a linha
// correspondente do arquivo de backup já foi flushed antes deste append.
func (w *Writer) AppendDone(n int) error {
	return w.append(DoneLine(n))
}

// AppendChangesComplete grava o sentinel com o last_seq.
func (w *Writer) AppendChangesComplete(lastSeq string) error {
	return w.append(ChangesCompleteLine(lastSeq))
}

func (w *Writer) append(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("appending to backup log: %w", err)
	}
	return nil
}

// Sync força o log para disco.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close fecha o arquivo de log. O log nunca é apagado pelo core: retenção é
// responsabilidade do usuário.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
