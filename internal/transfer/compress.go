// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transfer contém os estágios externos do stream de backup:
// compressão, rate limiting e object storage.
package transfer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Modos de compressão do stream de backup.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Magic bytes para sniffing no restore.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// NewCompressor envolve dest com o compressor do modo pedido. O Closer
// retornado finaliza o stream comprimido (obrigatório antes de fechar dest).
// Modo "none" retorna dest com um Close no-op.
func NewCompressor(dest io.Writer, mode string) (io.WriteCloser, error) {
	switch mode {
	case CompressionNone, "":
		return nopWriteCloser{dest}, nil
	case CompressionGzip:
		gz := pgzip.NewWriter(dest)
		// Paraleliza blocos de 1MB por CPU disponível
		if err := gz.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gz, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(dest)
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewDecompressor detecta compressão pelos magic bytes e envolve source com
// o reader apropriado. Streams sem magic conhecido passam intactos.
func NewDecompressor(source io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(source, 64*1024)

	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("sniffing backup stream: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := pgzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, nil
	default:
		return br, nil
	}
}
