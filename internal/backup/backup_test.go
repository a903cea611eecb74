// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

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
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
	"github.com/nishisan-dev/cdb-backup/internal/couch"
	"github.com/nishisan-dev/cdb-backup/internal/logfile"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCouch é um CouchDB mínimo para os testes de backup: _changes,
// _bulk_get e _all_docs sobre um conjunto fixo de documentos.
type fakeCouch struct {
	mu   sync.Mutex
	docs map[string]string // id → rev

	bulkGetCalls atomic.Int32
	failBulkGets int32 // falha as primeiras N chamadas não-probe com 400
}

func newFakeCouch(n int) *fakeCouch {
	f := &fakeCouch{docs: make(map[string]string)}
	for i := 0; i < n; i++ {
		f.docs[fmt.Sprintf("doc-%03d", i)] = "1-abc"
	}
	return f
}

func (f *fakeCouch) ids() []string {
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeCouch) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /db", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"doc_count":%d,"doc_del_count":0}`, len(f.docs))
	})

	mux.HandleFunc("POST /db/_changes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[`)
		first := true
		for i, id := range f.ids() {
			if !first {
				fmt.Fprint(w, ",")
			}
			first = false
			fmt.Fprintf(w, `{"seq":"%d-x","id":%q,"changes":[{"rev":"1-abc"}]}`, i+1, id)
		}
		fmt.Fprintf(w, `],"last_seq":"%d-x"}`, len(f.docs))
	})

	mux.HandleFunc("POST /db/_bulk_get", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Docs []struct {
				ID string `json:"id"`
			} `json:"docs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bulk_get body: %v", err)
		}
		if len(req.Docs) > 0 {
			calls := f.bulkGetCalls.Add(1)
			if calls <= atomic.LoadInt32(&f.failBulkGets) {
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
			f.mu.Lock()
			rev := f.docs[d.ID]
			f.mu.Unlock()
			fmt.Fprintf(w, `{"id":%q,"docs":[{"ok":{"_id":%q,"_rev":%q,"value":1}}]}`, d.ID, d.ID, rev)
		}
		fmt.Fprint(w, `]}`)
	})

	mux.HandleFunc("GET /db/_all_docs", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
		startKey := ""
		if sk := r.URL.Query().Get("startkey"); sk != "" {
			json.Unmarshal([]byte(sk), &startKey)
		}

		var rows []string
		for _, id := range f.ids() {
			if startKey != "" && id < startKey {
				continue
			}
			if len(rows) >= limit {
				break
			}
			rows = append(rows, fmt.Sprintf(`{"id":%q,"key":%q,"doc":{"_id":%q,"_rev":"1-abc","value":1}}`, id, id, id))
		}
		fmt.Fprintf(w, `{"total_rows":%d,"rows":[%s]}`, len(f.docs), strings.Join(rows, ","))
	})

	return mux
}

func startFake(t *testing.T, f *fakeCouch, parallelism int) *couch.Client {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)
	client, err := couch.NewClient(server.URL+"/db", couch.Options{Parallelism: parallelism})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// collectBackupIDs parseia as linhas de dados de um buffer de backup e
// retorna os _id ordenados. A ordem das linhas não é especificada: testes
// comparam sempre o conjunto ordenado.
func collectBackupIDs(t *testing.T, data string) []string {
	t.Helper()
	var ids []string
	for i, line := range strings.Split(strings.TrimRight(data, "\n"), "\n") {
		if i == 0 || line == "" || line == ResumeMarker {
			continue
		}
		var docs []struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal([]byte(line), &docs); err != nil {
			t.Fatalf("line %d is not a JSON array: %v", i+1, err)
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func TestFull_BasicBackup(t *testing.T) {
	fake := newFakeCouch(11)
	client := startFake(t, fake, 2)

	var buf bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "backup.log")

	var changes, written atomic.Int32
	var spooled atomic.Int64
	listener := &Listener{
		Changes: func(_, docs int) {
			changes.Add(1)
			spooled.Add(int64(docs))
		},
		Written: func(WrittenEvent) { written.Add(1) },
	}

	summary, err := Full(context.Background(), client, &buf, Options{
		Parallelism: 2,
		BufferSize:  4,
		LogPath:     logPath,
	}, discardLogger(), listener)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 11 {
		t.Errorf("total = %d, want 11", summary.Total)
	}

	// Header na primeira linha
	firstLine, _, _ := strings.Cut(buf.String(), "\n")
	var header Header
	if err := json.Unmarshal([]byte(firstLine), &header); err != nil {
		t.Fatalf("header line: %v", err)
	}
	if header.Name != ToolName || header.Mode != ModeFull {
		t.Errorf("header = %+v", header)
	}

	// Conjunto de ids igual ao da origem (ordem de linhas não especificada)
	gotIDs := collectBackupIDs(t, buf.String())
	if len(gotIDs) != 11 {
		t.Fatalf("got %d ids", len(gotIDs))
	}
	for i, id := range fake.ids() {
		if gotIDs[i] != id {
			t.Errorf("id[%d] = %q, want %q", i, gotIDs[i], id)
		}
	}

	// 11 docs / bufferSize 4 = 3 batches
	if changes.Load() != 3 || written.Load() != 3 {
		t.Errorf("changes = %d, written = %d, want 3/3", changes.Load(), written.Load())
	}
	if spooled.Load() != 11 {
		t.Errorf("spooled docs = %d, want 11", spooled.Load())
	}

	// Log completo: sem pendentes
	s, err := logfile.Summarize(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ChangesComplete || len(s.Pending) != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestFull_FailureLeavesResumableState(t *testing.T) {
	fake := newFakeCouch(20)
	atomic.StoreInt32(&fake.failBulkGets, 100) // todas as chamadas falham
	client := startFake(t, fake, 2)

	var buf bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "backup.log")

	_, err := Full(context.Background(), client, &buf, Options{
		Parallelism: 2,
		BufferSize:  5,
		LogPath:     logPath,
	}, discardLogger(), nil)
	if err == nil {
		t.Fatal("expected failure")
	}

	// Spooling terminou antes da falha: o log é retomável
	s, serr := logfile.Summarize(logPath)
	if serr != nil {
		t.Fatal(serr)
	}
	if !s.ChangesComplete {
		t.Error("log should have changes_complete")
	}
	if len(s.Pending) == 0 {
		t.Error("log should have pending batches")
	}
}

func TestFull_ResumeCompletesPendingOnly(t *testing.T) {
	fake := newFakeCouch(20)
	client := startFake(t, fake, 2)

	logPath := filepath.Join(t.TempDir(), "backup.log")

	// Primeiro run: falha todos os bulk-gets depois do spool
	atomic.StoreInt32(&fake.failBulkGets, 100)
	var run1 bytes.Buffer
	if _, err := Full(context.Background(), client, &run1, Options{
		Parallelism: 1,
		BufferSize:  5,
		LogPath:     logPath,
	}, discardLogger(), nil); err == nil {
		t.Fatal("first run should fail")
	}

	// Resume: sem falhas; só os pendentes são baixados
	atomic.StoreInt32(&fake.failBulkGets, 0)
	fake.bulkGetCalls.Store(0)

	var run2 bytes.Buffer
	summary, err := Full(context.Background(), client, &run2, Options{
		Parallelism: 2,
		BufferSize:  5,
		LogPath:     logPath,
		Resume:      true,
	}, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 20 {
		t.Errorf("resumed total = %d, want 20", summary.Total)
	}

	// Primeira linha do resume é o marker, não um header
	firstLine, _, _ := strings.Cut(run2.String(), "\n")
	if firstLine != ResumeMarker {
		t.Errorf("first resumed line = %q", firstLine)
	}

	// União dos dois runs cobre a origem inteira
	union := collectBackupIDs(t, run1.String()+run2.String())
	if len(union) != 20 {
		t.Errorf("union has %d ids, want 20", len(union))
	}
}

func TestFull_ResumeRequiresChangesComplete(t *testing.T) {
	fake := newFakeCouch(5)
	client := startFake(t, fake, 1)

	logPath := filepath.Join(t.TempDir(), "backup.log")
	// Log sem sentinel
	w, err := logfile.Create(logPath)
	if err != nil {
		t.Fatal(err)
	}
	w.AppendPending(0, []logfile.DocRef{{ID: "doc-000"}})
	w.Close()

	var buf bytes.Buffer
	_, err = Full(context.Background(), client, &buf, Options{
		Parallelism: 1,
		BufferSize:  5,
		LogPath:     logPath,
		Resume:      true,
	}, discardLogger(), nil)
	if cerrors.Name(err) != cerrors.NameIncompleteChangesInLogFile {
		t.Fatalf("expected IncompleteChangesInLogFile, got %v", err)
	}
	if cerrors.ExitCode(err) != 22 {
		t.Errorf("exit code = %d, want 22", cerrors.ExitCode(err))
	}
}

func TestFull_BulkGetProbeFailureBeforeSpool(t *testing.T) {
	// _bulk_get 404 com o database presente: BulkGetError antes de qualquer
	// spooling
	var changesCalled atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /db", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"doc_count":0,"doc_del_count":0}`)
	})
	mux.HandleFunc("POST /db/_bulk_get", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not_found","reason":"missing"}`)
	})
	mux.HandleFunc("POST /db/_changes", func(w http.ResponseWriter, r *http.Request) {
		changesCalled.Store(true)
		fmt.Fprint(w, `{"results":[],"last_seq":"0"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := couch.NewClient(server.URL+"/db", couch.Options{Parallelism: 1})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	_, err = Full(context.Background(), client, &buf, Options{
		Parallelism: 1,
		BufferSize:  5,
		LogPath:     filepath.Join(t.TempDir(), "backup.log"),
	}, discardLogger(), nil)
	if cerrors.Name(err) != cerrors.NameBulkGetError {
		t.Fatalf("expected BulkGetError, got %v", err)
	}
	if changesCalled.Load() {
		t.Error("spooling must not start when the probe fails")
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written, got %q", buf.String())
	}
}

func TestFull_MissingDatabaseIsNotFound(t *testing.T) {
	// Database inexistente: tudo responde 404. O erro tem que ser
	// DatabaseNotFound (exit 10), nunca BulkGetError, e o probe de
	// _bulk_get nem chega a acontecer
	var bulkGetCalled atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /db/_bulk_get", func(w http.ResponseWriter, r *http.Request) {
		bulkGetCalled.Store(true)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not_found","reason":"missing"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := couch.NewClient(server.URL+"/db", couch.Options{Parallelism: 1})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	_, err = Full(context.Background(), client, &buf, Options{
		Parallelism: 1,
		BufferSize:  5,
		LogPath:     filepath.Join(t.TempDir(), "backup.log"),
	}, discardLogger(), nil)
	if cerrors.Name(err) != cerrors.NameDatabaseNotFound {
		t.Fatalf("expected DatabaseNotFound, got %v", err)
	}
	if cerrors.ExitCode(err) != 10 {
		t.Errorf("exit code = %d, want 10", cerrors.ExitCode(err))
	}
	if bulkGetCalled.Load() {
		t.Error("_bulk_get must not be probed when the database is missing")
	}
}

func TestShallow_EmptyDatabase(t *testing.T) {
	fake := newFakeCouch(0)
	client := startFake(t, fake, 1)

	var buf bytes.Buffer
	summary, err := Shallow(context.Background(), client, &buf, 10, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 0 {
		t.Errorf("total = %d", summary.Total)
	}

	// Header + zero linhas de dados
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the header line, got %d lines", len(lines))
	}
	var header Header
	if err := json.Unmarshal([]byte(lines[0]), &header); err != nil {
		t.Fatal(err)
	}
	if header.Mode != ModeShallow {
		t.Errorf("mode = %q", header.Mode)
	}
}

func TestShallow_Pagination(t *testing.T) {
	fake := newFakeCouch(23)
	client := startFake(t, fake, 1)

	var buf bytes.Buffer
	var pages atomic.Int32
	listener := &Listener{Written: func(WrittenEvent) { pages.Add(1) }}

	summary, err := Shallow(context.Background(), client, &buf, 10, discardLogger(), listener)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 23 {
		t.Errorf("total = %d, want 23", summary.Total)
	}
	if pages.Load() != 3 {
		t.Errorf("pages = %d, want 3", pages.Load())
	}

	// A concatenação das páginas equivale a _all_docs em ordem de _id
	ids := collectBackupIDs(t, buf.String())
	want := fake.ids()
	if len(ids) != len(want) {
		t.Fatalf("got %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("id[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
