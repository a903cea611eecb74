// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package progress exibe o andamento de backup/restore no terminal.
package progress

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Reporter mostra barra de progresso, documentos, batches, velocidade,
// elapsed e ETA no stderr. Os contadores são alimentados pelos listeners
// dos pipelines.
type Reporter struct {
	name string

	// Contadores atômicos
	docsDone    atomic.Int64
	batchesDone atomic.Int64

	// Totais conhecidos depois do spool; 0 enquanto indeterminado
	totalDocs    atomic.Int64
	totalBatches atomic.Int64

	startTime time.Time
	done      chan struct{}
}

// New cria um Reporter e inicia o ticker de renderização.
func New(name string) *Reporter {
	p := &Reporter{
		name:      name,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	go p.renderLoop()
	return p
}

// SetTotals registra os totais depois que o spool de changes termina.
func (p *Reporter) SetTotals(docs, batches int64) {
	p.totalDocs.Store(docs)
	p.totalBatches.Store(batches)
}

// AddDocs registra documentos gravados.
func (p *Reporter) AddDocs(n int64) {
	p.docsDone.Add(n)
}

// AddBatch registra um batch concluído.
func (p *Reporter) AddBatch() {
	p.batchesDone.Add(1)
}

// Stop para o ticker e imprime a linha final.
func (p *Reporter) Stop() {
	close(p.done)
	p.render(true)
}

// renderLoop atualiza o terminal a cada 500ms.
func (p *Reporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render(false)
		}
	}
}

// render desenha a barra de progresso no stderr.
func (p *Reporter) render(final bool) {
	docs := p.docsDone.Load()
	batches := p.batchesDone.Load()
	totalDocs := p.totalDocs.Load()
	totalBatches := p.totalBatches.Load()
	elapsed := time.Since(p.startTime)

	elapsedSec := elapsed.Seconds()
	var docsPerSec float64
	if elapsedSec > 0.1 {
		docsPerSec = float64(docs) / elapsedSec
	}

	// Barra de progresso (30 chars)
	barWidth := 30
	var bar string
	if totalDocs > 0 {
		pct := float64(docs) / float64(totalDocs)
		if pct > 1.0 {
			pct = 1.0
		}
		filled := int(pct * float64(barWidth))
		if filled > barWidth {
			filled = barWidth
		}
		bar = strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	} else {
		// Sem total (spool em andamento ou restore) — spinner simples
		pos := int(elapsed.Seconds()*2) % barWidth
		bar = strings.Repeat("░", pos) + "█" + strings.Repeat("░", barWidth-pos-1)
	}

	eta := computeETA(totalDocs, docs, docsPerSec)
	etaStr := "∞"
	if eta >= 0 {
		etaStr = formatDuration(eta)
	}

	batchesStr := formatNumber(batches)
	if totalBatches > 0 {
		batchesStr = fmt.Sprintf("%s/%s", formatNumber(batches), formatNumber(totalBatches))
	}

	line := fmt.Sprintf("\r[%s] %s  %s docs (%s/s)  │  %s batches  │  %s  │  ETA %s",
		p.name, bar,
		formatNumber(docs), formatNumber(int64(docsPerSec)),
		batchesStr,
		formatDuration(elapsed), etaStr,
	)

	// Pad com espaços para limpar restos de linha anterior
	if len(line) < 120 {
		line += strings.Repeat(" ", 120-len(line))
	}

	if final {
		fmt.Fprintf(os.Stderr, "%s\n", line)
	} else {
		fmt.Fprint(os.Stderr, line)
	}
}

// computeETA estima o tempo restante pelos documentos. Retorna -1 se
// indeterminado (sem total conhecido ou sem velocidade medida).
func computeETA(totalDocs, docsDone int64, docsPerSec float64) time.Duration {
	if totalDocs <= 0 || docsPerSec <= 0 {
		return -1
	}
	remaining := float64(totalDocs) - float64(docsDone)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining / docsPerSec * float64(time.Second))
}

// formatDuration formata duração como M:SS ou H:MM:SS.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// formatNumber formata número com separador de milhar.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	// Insere separador a cada 3 dígitos da direita
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
