// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package liner quebra um byte stream em linhas UTF-8 delimitadas por '\n'.
//
// O framer é determinístico e reiniciável em qualquer fronteira de chunk:
// linhas podem atravessar reads arbitrários do reader subjacente. '\r\n' é
// tolerado ('\r' final removido) e linhas vazias são preservadas, para que o
// restore consiga detectá-las como blanks.
package liner

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize é o tamanho máximo de uma linha (1GB). Uma linha do arquivo de
// backup carrega um array JSON com bufferSize documentos inteiros.
const maxLineSize = 1 * 1024 * 1024 * 1024

// initialBufSize é o buffer inicial do scanner (1MB).
const initialBufSize = 1 * 1024 * 1024

// Line é uma linha numerada (1-based).
type Line struct {
	Number int
	Text   string
}

// Framer itera as linhas de um io.Reader.
type Framer struct {
	scanner *bufio.Scanner
	number  int
	err     error
}

// New cria um Framer sobre r.
func New(r io.Reader) *Framer {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, initialBufSize), maxLineSize)
	return &Framer{scanner: s}
}

// Next retorna a próxima linha. ok=false no fim do stream ou erro; depois de
// ok=false, consulte Err.
func (f *Framer) Next() (Line, bool) {
	if !f.scanner.Scan() {
		f.err = f.scanner.Err()
		return Line{}, false
	}
	f.number++
	text := f.scanner.Text()
	// Tolera CRLF
	text = strings.TrimSuffix(text, "\r")
	return Line{Number: f.number, Text: text}, true
}

// Err retorna o erro de leitura, se houver. EOF limpo retorna nil.
func (f *Framer) Err() error { return f.err }

// Each itera todas as linhas chamando fn. Um erro de fn interrompe a iteração.
func (f *Framer) Each(fn func(Line) error) error {
	for {
		line, ok := f.Next()
		if !ok {
			return f.Err()
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}
