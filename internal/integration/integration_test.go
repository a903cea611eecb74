// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Testes end-to-end: backup de um CouchDB fake, restore em outro, e
// comparação dos conjuntos (id, rev) resultantes.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nishisan-dev/cdb-backup/internal/backup"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/restore"
	"github.com/nishisan-dev/cdb-backup/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sourceDB serve _changes e _bulk_get sobre documentos fixos, com falhas
// de _bulk_get induzíveis para o cenário de abort+resume.
type sourceDB struct {
	docs         map[string]string // id → rev
	failBulkGets atomic.Int32      // falha as próximas N chamadas não-probe
	bulkGetCalls atomic.Int32
}

func newSourceDB(n int) *sourceDB {
	s := &sourceDB{docs: make(map[string]string)}
	for i := 0; i < n; i++ {
		s.docs[fmt.Sprintf("doc-%04d", i)] = fmt.Sprintf("1-rev%04d", i)
	}
	return s
}

func (s *sourceDB) ids() []string {
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *sourceDB) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /source", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"doc_count":%d,"doc_del_count":0}`, len(s.docs))
	})

	mux.HandleFunc("POST /source/_changes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[`)
		for i, id := range s.ids() {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"seq":"%d-x","id":%q,"changes":[{"rev":%q}]}`, i+1, id, s.docs[id])
		}
		fmt.Fprintf(w, `],"last_seq":"%d-x"}`, len(s.docs))
	})

	mux.HandleFunc("POST /source/_bulk_get", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Docs []struct {
				ID string `json:"id"`
			} `json:"docs"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if len(req.Docs) > 0 {
			s.bulkGetCalls.Add(1)
			if s.failBulkGets.Load() > 0 {
				s.failBulkGets.Add(-1)
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"bad_request","reason":"induced failure"}`)
				return
			}
		}

		fmt.Fprint(w, `{"results":[`)
		for i, d := range req.Docs {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id":%q,"docs":[{"ok":{"_id":%q,"_rev":%q,"value":1}}]}`, d.ID, d.ID, s.docs[d.ID])
		}
		fmt.Fprint(w, `]}`)
	})

	return mux
}

// targetDB coleta documentos gravados via _bulk_docs e responde como um
// database vazio ao check de pré-condição.
type targetDB struct {
	mu   sync.Mutex
	docs map[string]string // id → rev
}

func newTargetDB() *targetDB {
	return &targetDB{docs: make(map[string]string)}
}

func (tdb *targetDB) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /target", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"doc_count":0,"doc_del_count":0}`)
	})

	mux.HandleFunc("POST /target/_bulk_docs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Docs     []json.RawMessage `json:"docs"`
			NewEdits *bool             `json:"new_edits"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		tdb.mu.Lock()
		for _, raw := range req.Docs {
			var d struct {
				ID  string `json:"_id"`
				Rev string `json:"_rev"`
			}
			json.Unmarshal(raw, &d)
			tdb.docs[d.ID] = d.Rev
		}
		tdb.mu.Unlock()

		// Backups carregam _rev, o restore usa new_edits:false
		fmt.Fprint(w, `[]`)
	})

	return mux
}

func (tdb *targetDB) snapshot() map[string]string {
	tdb.mu.Lock()
	defer tdb.mu.Unlock()
	out := make(map[string]string, len(tdb.docs))
	for k, v := range tdb.docs {
		out[k] = v
	}
	return out
}

func startSource(t *testing.T, s *sourceDB) *couch.Client {
	t.Helper()
	server := httptest.NewServer(s.handler())
	t.Cleanup(server.Close)
	client, err := couch.NewClient(server.URL+"/source", couch.Options{Parallelism: 4})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func startTarget(t *testing.T, tdb *targetDB) *couch.Client {
	t.Helper()
	server := httptest.NewServer(tdb.handler())
	t.Cleanup(server.Close)
	client, err := couch.NewClient(server.URL+"/target", couch.Options{Parallelism: 4})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// equalDocSets compara (id, rev) de origem e destino.
func equalDocSets(t *testing.T, source *sourceDB, target *targetDB) {
	t.Helper()
	restored := target.snapshot()
	if len(restored) != len(source.docs) {
		t.Fatalf("restored %d docs, want %d", len(restored), len(source.docs))
	}
	for id, rev := range source.docs {
		if restored[id] != rev {
			t.Errorf("doc %s: rev %q, want %q", id, restored[id], rev)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	source := newSourceDB(30)
	sourceClient := startSource(t, source)

	var stream bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "backup.log")

	summary, err := backup.Full(context.Background(), sourceClient, &stream, backup.Options{
		Parallelism: 2,
		BufferSize:  7,
		LogPath:     logPath,
	}, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 30 {
		t.Errorf("backup total = %d, want 30", summary.Total)
	}

	target := newTargetDB()
	targetClient := startTarget(t, target)

	if err := restore.CheckTargetEmpty(context.Background(), targetClient); err != nil {
		t.Fatal(err)
	}
	rsum, err := restore.Run(context.Background(), targetClient, &stream, 2, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rsum.Total != 30 {
		t.Errorf("restore total = %d, want 30", rsum.Total)
	}

	equalDocSets(t, source, target)
}

func TestRoundTrip_Compressed(t *testing.T) {
	source := newSourceDB(25)
	sourceClient := startSource(t, source)

	var compressed bytes.Buffer
	comp, err := transfer.NewCompressor(&compressed, transfer.CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}

	logPath := filepath.Join(t.TempDir(), "backup.log")
	if _, err := backup.Full(context.Background(), sourceClient, comp, backup.Options{
		Parallelism: 2,
		BufferSize:  10,
		LogPath:     logPath,
	}, discardLogger(), nil); err != nil {
		t.Fatal(err)
	}
	if err := comp.Close(); err != nil {
		t.Fatal(err)
	}

	// O restore detecta a compressão pelos magic bytes
	stream, err := transfer.NewDecompressor(&compressed)
	if err != nil {
		t.Fatal(err)
	}

	target := newTargetDB()
	targetClient := startTarget(t, target)
	if _, err := restore.Run(context.Background(), targetClient, stream, 2, discardLogger(), nil); err != nil {
		t.Fatal(err)
	}

	equalDocSets(t, source, target)
}

func TestAbortAndResume(t *testing.T) {
	source := newSourceDB(60)
	sourceClient := startSource(t, source)

	logPath := filepath.Join(t.TempDir(), "backup.log")
	var stream bytes.Buffer

	// Primeira execução: todas as chamadas de _bulk_get falham depois do
	// spool, deixando o log com batches pendentes
	source.failBulkGets.Store(1000)
	if _, err := backup.Full(context.Background(), sourceClient, &stream, backup.Options{
		Parallelism: 2,
		BufferSize:  10,
		LogPath:     logPath,
	}, discardLogger(), nil); err == nil {
		t.Fatal("first run should fail")
	}
	source.failBulkGets.Store(0)

	// Resume: completa só os batches pendentes, append no mesmo stream
	summary, err := backup.Full(context.Background(), sourceClient, &stream, backup.Options{
		Parallelism: 2,
		BufferSize:  10,
		LogPath:     logPath,
		Resume:      true,
	}, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 60 {
		t.Errorf("resumed run total = %d, want 60", summary.Total)
	}

	// O arquivo resultante restaura para o conjunto completo
	target := newTargetDB()
	targetClient := startTarget(t, target)
	if _, err := restore.Run(context.Background(), targetClient, &stream, 2, discardLogger(), nil); err != nil {
		t.Fatal(err)
	}

	equalDocSets(t, source, target)
}
