// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// ToolName identifica o produtor no header do arquivo de backup.
const ToolName = "cdb-backup"

// ToolVersion é gravada no header. Bump em mudanças de formato.
const ToolVersion = "1.0.0"

// ResumeMarker é a linha gravada no início de um resume. O valor é o da
// ferramenta original para manter arquivos intercambiáveis entre as duas.
const ResumeMarker = `{"marker":"@cloudant/couchbackup:resume"}`

// Header é a primeira linha de um arquivo de backup novo.
type Header struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Mode        string `json:"mode"`
	Attachments bool   `json:"attachments"`
}

// Modos de backup.
const (
	ModeFull    = "full"
	ModeShallow = "shallow"
)

// StreamWriter é o único escritor do stream de backup. Cada batch vira uma
// linha gravada e flushed em um passo serializado, de forma que o log nunca
// reconheça um batch cujas revisões não estão no stream.
type StreamWriter struct {
	mu  sync.Mutex
	buf *bufio.Writer
	raw io.Writer
}

// NewStreamWriter cria um StreamWriter sobre o destino do backup.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{buf: bufio.NewWriterSize(w, 256*1024), raw: w}
}

// WriteHeader grava a linha de metadados de um backup novo.
func (sw *StreamWriter) WriteHeader(mode string, attachments bool) error {
	payload, err := json.Marshal(Header{
		Name:        ToolName,
		Version:     ToolVersion,
		Mode:        mode,
		Attachments: attachments,
	})
	if err != nil {
		return fmt.Errorf("encoding backup header: %w", err)
	}
	return sw.writeLine(payload)
}

// WriteResumeMarker grava a linha de marker de um backup retomado. O arquivo
// pode terminar em bytes inválidos do write abortado — o marker na linha
// seguinte é o que permite ao restore tolerar essa linha quebrada.
func (sw *StreamWriter) WriteResumeMarker() error {
	return sw.writeLine([]byte(ResumeMarker))
}

// WriteBatchLine grava um array JSON de revisões como uma linha.
func (sw *StreamWriter) WriteBatchLine(docs []json.RawMessage) error {
	payload, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encoding batch line: %w", err)
	}
	return sw.writeLine(payload)
}

// writeLine grava payload + '\n' e força o flush até o destino. Se o destino
// é um arquivo, Sync garante durabilidade antes do ack ':d' no log.
func (sw *StreamWriter) writeLine(payload []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := sw.buf.Write(payload); err != nil {
		return fmt.Errorf("writing backup line: %w", err)
	}
	if err := sw.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing backup line: %w", err)
	}
	if err := sw.buf.Flush(); err != nil {
		return fmt.Errorf("flushing backup stream: %w", err)
	}
	if f, ok := sw.raw.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing backup file: %w", err)
		}
	}
	return nil
}
