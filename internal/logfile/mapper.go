// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logfile implementa o formato do log de backup.
//
// Três tipos de linha:
//
//	:t batch<N> <json-array-de-{id}>   batch pendente spooled do _changes
//	:d batch<N>                        batch com revisões já gravadas no backup
//	:changes_complete <last_seq>       sentinel; spooling terminou
//
// Linhas que não começam com ':' são ignoradas. O parse é um tokenizer
// explícito sobre os três tipos, sem regex. Uma linha ':t' com JSON quebrado
// invalida a linha inteira (Command none) — um crash pode deixar uma linha
// final truncada e o mapper a descarta.
package logfile

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Command classifica uma linha do log.
type Command int

const (
	// CommandNone marca linha ignorável (comentário, lixo, JSON quebrado).
	CommandNone Command = iota
	// CommandPending é um batch ':t' aguardando download.
	CommandPending
	// CommandDone é um batch ':d' já gravado no stream de backup.
	CommandDone
	// CommandChangesComplete é o sentinel ':changes_complete'.
	CommandChangesComplete
)

// DocRef referencia um documento pendente pelo _id. As revisões são buscadas
// por batch via _bulk_get com revs=true.
type DocRef struct {
	ID string `json:"id"`
}

// Meta é o resultado do parse metadata-only: comando e número de batch, sem
// tocar no array JSON. Usado pelo summariser.
type Meta struct {
	Command Command
	Number  int
	LastSeq string // apenas para CommandChangesComplete
}

// Batch é o resultado do parse completo de uma linha ':t'.
type Batch struct {
	Command Command
	Number  int
	Docs    []DocRef
}

const (
	tokenPending  = "t"
	tokenDone     = "d"
	tokenComplete = "changes_complete"
	batchPrefix   = "batch"
)

// ParseMeta faz o parse metadata-only de uma linha.
func ParseMeta(line string) Meta {
	cmd, rest, ok := splitCommand(line)
	if !ok {
		return Meta{Command: CommandNone}
	}

	switch cmd {
	case tokenComplete:
		return Meta{Command: CommandChangesComplete, LastSeq: strings.TrimSpace(rest)}
	case tokenPending, tokenDone:
		n, tail, ok := parseBatchNumber(rest)
		if !ok {
			return Meta{Command: CommandNone}
		}
		if cmd == tokenDone {
			return Meta{Command: CommandDone, Number: n}
		}
		// O tail de ':t' precisa ser JSON válido mesmo no parse
		// metadata-only: summariser e batch reader têm que concordar sobre
		// quais linhas existem, senão um batch truncado fica pendente para
		// sempre sem nunca ser baixado
		if !json.Valid([]byte(tail)) {
			return Meta{Command: CommandNone}
		}
		return Meta{Command: CommandPending, Number: n}
	default:
		return Meta{Command: CommandNone}
	}
}

// ParseBatch faz o parse completo de uma linha, incluindo o array JSON de uma
// linha ':t'. JSON inválido invalida a linha (Command none).
func ParseBatch(line string) Batch {
	cmd, rest, ok := splitCommand(line)
	if !ok {
		return Batch{Command: CommandNone}
	}

	switch cmd {
	case tokenComplete:
		return Batch{Command: CommandChangesComplete}
	case tokenDone:
		n, _, ok := parseBatchNumber(rest)
		if !ok {
			return Batch{Command: CommandNone}
		}
		return Batch{Command: CommandDone, Number: n}
	case tokenPending:
		n, tail, ok := parseBatchNumber(rest)
		if !ok {
			return Batch{Command: CommandNone}
		}
		var docs []DocRef
		if err := json.Unmarshal([]byte(tail), &docs); err != nil {
			return Batch{Command: CommandNone}
		}
		return Batch{Command: CommandPending, Number: n, Docs: docs}
	default:
		return Batch{Command: CommandNone}
	}
}

// splitCommand separa o comando (entre ':' e o primeiro espaço) do resto.
func splitCommand(line string) (cmd, rest string, ok bool) {
	if !strings.HasPrefix(line, ":") {
		return "", "", false
	}
	body := line[1:]
	if i := strings.IndexByte(body, ' '); i >= 0 {
		return body[:i], body[i+1:], true
	}
	return body, "", true
}

// parseBatchNumber consome o token "batch<N>" do início de s e retorna N e o
// resto da linha (após o espaço separador, se houver).
func parseBatchNumber(s string) (n int, rest string, ok bool) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, batchPrefix) {
		return 0, "", false
	}
	s = s[len(batchPrefix):]

	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, "", false
	}

	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, "", false
	}

	rest = strings.TrimLeft(s[end:], " ")
	return n, rest, true
}

// PendingLine monta uma linha ':t' para o batch n com os ids fornecidos.
func PendingLine(n int, docs []DocRef) (string, error) {
	payload, err := json.Marshal(docs)
	if err != nil {
		return "", err
	}
	return ":" + tokenPending + " " + batchPrefix + strconv.Itoa(n) + " " + string(payload) + "\n", nil
}

// DoneLine monta uma linha ':d' para o batch n.
func DoneLine(n int) string {
	return ":" + tokenDone + " " + batchPrefix + strconv.Itoa(n) + "\n"
}

// ChangesCompleteLine monta a linha sentinel com o last_seq do feed.
func ChangesCompleteLine(lastSeq string) string {
	return ":" + tokenComplete + " " + lastSeq + "\n"
}
