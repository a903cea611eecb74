// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import "time"

// WrittenEvent é emitido quando um batch de revisões foi gravado no stream
// de backup e reconhecido no log com ':d'.
type WrittenEvent struct {
	Batch     int
	Documents int
	Total     int64
	Time      time.Duration
}

// Listener recebe o progresso do backup. Campos nil são ignorados.
// Substitui o event emitter da referência por um set de callbacks tipado:
// o contrato é o callback, não o transporte.
type Listener struct {
	// Changes é chamado uma vez por batch spooled do _changes, com o número
	// do batch e a quantidade de documentos nele.
	Changes func(batchNumber, docs int)
	// Written é chamado por batch ':d' completado.
	Written func(WrittenEvent)
}

func (l *Listener) emitChanges(n, docs int) {
	if l != nil && l.Changes != nil {
		l.Changes(n, docs)
	}
}

func (l *Listener) emitWritten(ev WrittenEvent) {
	if l != nil && l.Written != nil {
		l.Written(ev)
	}
}

// Summary é o resultado final de um backup: total de revisões gravadas.
type Summary struct {
	Total int64
}
