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

	"github.com/nishisan-dev/cdb-backup/internal/logfile"
)

// DatabaseInfo é o subconjunto de GET /{db} que o restore precisa.
type DatabaseInfo struct {
	DocCount    int64 `json:"doc_count"`
	DocDelCount int64 `json:"doc_del_count"`
}

// HeadDatabase verifica que o database existe e está acessível.
func (c *Client) HeadDatabase(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodHead, "", nil, nil)
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// GetDatabaseInformation retorna doc_count e doc_del_count do database.
func (c *Client) GetDatabaseInformation(ctx context.Context) (*DatabaseInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info DatabaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding database information: %w", err)
	}
	return &info, nil
}

// bulkGetRequest é o body de POST /{db}/_bulk_get.
type bulkGetRequest struct {
	Docs []logfile.DocRef `json:"docs"`
}

// bulkGetResponse é a resposta de _bulk_get. Entradas com .error em vez de
// .ok são ignoradas com log debug — essa omissão é deliberada e observável.
type bulkGetResponse struct {
	Results []struct {
		ID   string `json:"id"`
		Docs []struct {
			OK    json.RawMessage `json:"ok"`
			Error *struct {
				Rev    string `json:"rev"`
				Error  string `json:"error"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"docs"`
	} `json:"results"`
}

// ProbeBulkGet valida que o endpoint _bulk_get existe, com uma lista de docs
// vazia. 404 vira BulkGetError; outros terminais propagam.
func (c *Client) ProbeBulkGet(ctx context.Context) error {
	_, err := c.BulkGet(ctx, nil)
	return err
}

// BulkGet busca as revisões completas (revs=true) dos documentos indicados.
// O retorno é o flat-map de results[*].docs[*].ok, na ordem da resposta.
func (c *Client) BulkGet(ctx context.Context, refs []logfile.DocRef) ([]json.RawMessage, error) {
	if refs == nil {
		refs = []logfile.DocRef{}
	}
	payload, err := json.Marshal(bulkGetRequest{Docs: refs})
	if err != nil {
		return nil, fmt.Errorf("encoding bulk_get request: %w", err)
	}

	query := url.Values{"revs": {"true"}}
	resp, err := c.do(ctx, http.MethodPost, "_bulk_get", query, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded bulkGetResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding bulk_get response: %w", err)
	}

	docs := make([]json.RawMessage, 0, len(refs))
	for _, result := range decoded.Results {
		for _, doc := range result.Docs {
			if doc.OK == nil {
				if doc.Error != nil {
					c.logger.Debug("skipping unreadable revision",
						"id", result.ID,
						"error", doc.Error.Error,
						"reason", doc.Error.Reason,
					)
				}
				continue
			}
			docs = append(docs, doc.OK)
		}
	}
	return docs, nil
}

// BulkDocsResult é uma linha do resultado de _bulk_docs.
type BulkDocsResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// bulkDocsRequest é o body de POST /{db}/_bulk_docs.
type bulkDocsRequest struct {
	Docs     []json.RawMessage `json:"docs"`
	NewEdits *bool             `json:"new_edits,omitempty"`
}

// BulkDocs grava documentos em lote. Com newEdits=false as revisões dos
// documentos são preservadas (restore de revisões conhecidas) e o servidor
// responde um array vazio em sucesso total.
func (c *Client) BulkDocs(ctx context.Context, docs []json.RawMessage, newEdits bool) ([]BulkDocsResult, error) {
	req := bulkDocsRequest{Docs: docs}
	if !newEdits {
		f := false
		req.NewEdits = &f
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding bulk_docs request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "_bulk_docs", nil, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var results []BulkDocsResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding bulk_docs response: %w", err)
	}
	return results, nil
}

// AllDocsRow é uma linha de _all_docs com include_docs=true.
type AllDocsRow struct {
	ID  string          `json:"id"`
	Key string          `json:"key"`
	Doc json.RawMessage `json:"doc"`
}

// allDocsResponse é a resposta de GET /{db}/_all_docs.
type allDocsResponse struct {
	TotalRows int64        `json:"total_rows"`
	Rows      []AllDocsRow `json:"rows"`
}

// AllDocs pagina o database em ordem lexicográfica de _id. startKey vazio
// começa do início; o caller exclui a última key retornada anexando '\0'.
func (c *Client) AllDocs(ctx context.Context, limit int, startKey string) ([]AllDocsRow, error) {
	query := url.Values{
		"include_docs": {"true"},
		"limit":        {strconv.Itoa(limit)},
	}
	if startKey != "" {
		encoded, err := json.Marshal(startKey)
		if err != nil {
			return nil, fmt.Errorf("encoding start key: %w", err)
		}
		query.Set("startkey", string(encoded))
	}

	resp, err := c.do(ctx, http.MethodGet, "_all_docs", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded allDocsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding all_docs response: %w", err)
	}
	return decoded.Rows, nil
}
