// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logfile

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseMeta(t *testing.T) {
	cases := []struct {
		line string
		want Meta
	}{
		{`:t batch0 [{"id":"a"}]`, Meta{Command: CommandPending, Number: 0}},
		{`:t batch12 [{"id":"a"},{"id":"b"}]`, Meta{Command: CommandPending, Number: 12}},
		{`:d batch3`, Meta{Command: CommandDone, Number: 3}},
		{`:changes_complete 99-seqtoken`, Meta{Command: CommandChangesComplete, LastSeq: "99-seqtoken"}},
		{`:changes_complete`, Meta{Command: CommandChangesComplete}},
		{`# comment`, Meta{Command: CommandNone}},
		{``, Meta{Command: CommandNone}},
		{`:x batch1`, Meta{Command: CommandNone}},
		{`:t nobatch [{"id":"a"}]`, Meta{Command: CommandNone}},
		{`:t batch [{"id":"a"}]`, Meta{Command: CommandNone}},
		// JSON truncado invalida a linha também no parse metadata-only, para
		// o summariser nunca registrar um batch que o batch reader não emite
		{`:t batch5 [{"id":"a"`, Meta{Command: CommandNone}},
		{`:t batch5`, Meta{Command: CommandNone}},
	}
	for _, c := range cases {
		if got := ParseMeta(c.line); got != c.want {
			t.Errorf("ParseMeta(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

func TestParseBatch_FullParse(t *testing.T) {
	b := ParseBatch(`:t batch7 [{"id":"doc-a"},{"id":"doc-b"}]`)
	if b.Command != CommandPending || b.Number != 7 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	want := []DocRef{{ID: "doc-a"}, {ID: "doc-b"}}
	if !reflect.DeepEqual(b.Docs, want) {
		t.Errorf("docs = %+v, want %+v", b.Docs, want)
	}
}

func TestParseBatch_BrokenJSONInvalidatesLine(t *testing.T) {
	// Linha truncada por crash: o JSON quebrado invalida a linha inteira
	b := ParseBatch(`:t batch7 [{"id":"doc-a"},{"id":`)
	if b.Command != CommandNone {
		t.Fatalf("expected CommandNone for broken JSON, got %+v", b)
	}
}

func TestRoundTrip_Lines(t *testing.T) {
	docs := []DocRef{{ID: "a"}, {ID: "b/with/slash"}, {ID: "ünïcode"}}
	line, err := PendingLine(42, docs)
	if err != nil {
		t.Fatal(err)
	}
	b := ParseBatch(line[:len(line)-1])
	if b.Command != CommandPending || b.Number != 42 || !reflect.DeepEqual(b.Docs, docs) {
		t.Fatalf("round trip failed: %+v", b)
	}

	if m := ParseMeta(DoneLine(42)[:len(DoneLine(42))-1]); m.Command != CommandDone || m.Number != 42 {
		t.Fatalf("done line round trip failed: %+v", m)
	}
}

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup.log")
	if err := os.WriteFile(path, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSummarize_PendingSet(t *testing.T) {
	path := writeLog(t, ""+
		":t batch0 [{\"id\":\"a\"}]\n"+
		":t batch1 [{\"id\":\"b\"}]\n"+
		":t batch2 [{\"id\":\"c\"}]\n"+
		":changes_complete 3-seq\n"+
		":d batch1\n")

	s, err := Summarize(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ChangesComplete {
		t.Error("expected changes complete")
	}
	if s.LastSeq != "3-seq" {
		t.Errorf("last seq = %q", s.LastSeq)
	}
	if !reflect.DeepEqual(s.Pending, []int{0, 2}) {
		t.Errorf("pending = %v, want [0 2]", s.Pending)
	}
}

func TestSummarize_IncompleteSpool(t *testing.T) {
	path := writeLog(t, ":t batch0 [{\"id\":\"a\"}]\n")
	s, err := Summarize(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ChangesComplete {
		t.Error("expected incomplete changes")
	}
	if !reflect.DeepEqual(s.Pending, []int{0}) {
		t.Errorf("pending = %v", s.Pending)
	}
}

func TestSummarize_IgnoresGarbageAndTruncation(t *testing.T) {
	path := writeLog(t, ""+
		"garbage line\n"+
		":t batch0 [{\"id\":\"a\"}]\n"+
		":t batch1 [{\"id\":\"b\"\n"+ // linha truncada
		":changes_complete 1-x\n")

	s, err := Summarize(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Pending, []int{0}) {
		t.Errorf("pending = %v, want [0]", s.Pending)
	}
}

func TestSummarize_AllDone(t *testing.T) {
	path := writeLog(t, ""+
		":t batch0 [{\"id\":\"a\"}]\n"+
		":changes_complete 1-x\n"+
		":d batch0\n")
	s, err := Summarize(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Pending) != 0 {
		t.Errorf("pending = %v, want empty", s.Pending)
	}
}

func TestReadBatches_SubsetInLogOrder(t *testing.T) {
	path := writeLog(t, ""+
		":t batch0 [{\"id\":\"a\"}]\n"+
		":t batch1 [{\"id\":\"b\"}]\n"+
		":t batch2 [{\"id\":\"c\"}]\n"+
		":changes_complete 3-x\n")

	var got []Batch
	err := ReadBatches(path, map[int]bool{0: true, 2: true}, func(b Batch) error {
		got = append(got, b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Number != 0 || got[1].Number != 2 {
		t.Fatalf("unexpected batches: %+v", got)
	}
	if got[1].Docs[0].ID != "c" {
		t.Errorf("batch 2 docs = %+v", got[1].Docs)
	}
}

func TestWriter_AppendAndSummarize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.log")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.AppendPending(0, []DocRef{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendPending(1, []DocRef{{ID: "c"}}); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendChangesComplete("2-seq"); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendDone(0); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := Summarize(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ChangesComplete || !reflect.DeepEqual(s.Pending, []int{1}) {
		t.Fatalf("summary = %+v", s)
	}

	// Resume: append do ':d' restante
	w2, err := OpenAppend(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.AppendDone(1); err != nil {
		t.Fatal(err)
	}
	w2.Close()

	s, err = Summarize(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Pending) != 0 {
		t.Errorf("pending after resume = %v", s.Pending)
	}
}
