// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
)

// ChangeRow é uma linha do feed _changes.
type ChangeRow struct {
	ID      string `json:"id"`
	Seq     Seq    `json:"seq"`
	Deleted bool   `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

// Seq é um sequence token do CouchDB: string no 2.x+, número no 1.x.
type Seq string

// UnmarshalJSON aceita string ou número.
func (s *Seq) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Seq(str)
		return nil
	}
	*s = Seq(trimmed)
	return nil
}

// Changes consome o feed _changes em streaming, chamando fn por linha, e
// retorna o last_seq terminal. seqInterval é repassado ao servidor como hint
// para suprimir emissão intermediária de last_seq.
//
// O parse usa json.Decoder token a token: a resposta inteira nunca é
// materializada, por maior que seja o feed.
func (c *Client) Changes(ctx context.Context, seqInterval int, fn func(ChangeRow) error) (string, error) {
	query := url.Values{
		"seq_interval": {strconv.Itoa(seqInterval)},
	}
	resp, err := c.do(ctx, http.MethodPost, "_changes", query, []byte("{}"))
	if err != nil {
		return "", cerrors.SpoolChangesError("error getting changes feed for %s: %v", c.URL(), err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)

	// Abertura do objeto raiz
	if err := expectDelim(dec, '{'); err != nil {
		return "", cerrors.SpoolChangesError("malformed changes response: %v", err)
	}

	lastSeq := ""
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", cerrors.SpoolChangesError("reading changes response: %v", err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "results":
			if err := expectDelim(dec, '['); err != nil {
				return "", cerrors.SpoolChangesError("malformed results array: %v", err)
			}
			for dec.More() {
				var row ChangeRow
				if err := dec.Decode(&row); err != nil {
					return "", cerrors.SpoolChangesError("decoding change row: %v", err)
				}
				if err := fn(row); err != nil {
					return "", err
				}
			}
			if err := expectDelim(dec, ']'); err != nil {
				return "", cerrors.SpoolChangesError("malformed results array: %v", err)
			}
		case "last_seq":
			var seq Seq
			if err := dec.Decode(&seq); err != nil {
				return "", cerrors.SpoolChangesError("decoding last_seq: %v", err)
			}
			lastSeq = string(seq)
		default:
			// pending, etc. — pula o valor
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return "", cerrors.SpoolChangesError("reading changes response: %v", err)
			}
		}
	}

	if lastSeq == "" {
		// Stream terminou sem last_seq: o conjunto de trabalho é desconhecido,
		// o próximo run precisa começar um backup novo, não resume.
		return "", cerrors.SpoolChangesError("changes feed for %s ended without last_seq", c.URL())
	}
	return lastSeq, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
