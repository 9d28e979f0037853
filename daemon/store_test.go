package daemon

import (
	"path/filepath"
	"testing"
)

func TestStoreAppendAndRange(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	store.Append("term-a", 1, []byte("one"))
	store.Append("term-a", 2, []byte("two"))
	store.Append("term-a", 3, []byte("three"))
	store.Append("term-b", 1, []byte("other"))

	chunks, err := store.Range("term-a", 0, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Seq != uint64(i+1) {
			t.Fatalf("chunk %d has sequence %d", i, chunk.Seq)
		}
	}
	if string(chunks[2].Data) != "three" {
		t.Fatalf("unexpected payload %q", chunks[2].Data)
	}

	chunks, err = store.Range("term-a", 1, 2)
	if err != nil {
		t.Fatalf("bounded range: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Seq != 2 {
		t.Fatalf("expected only chunk 2, got %v", chunks)
	}
}

func TestStoreDropTerm(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	store.Append("term-a", 1, []byte("keep"))
	store.Append("term-gone", 1, []byte("drop"))

	if err := store.DropTerm("term-gone"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	chunks, err := store.Range("term-gone", 0, 0)
	if err != nil {
		t.Fatalf("range after drop: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks after drop, got %d", len(chunks))
	}
	chunks, err = store.Range("term-a", 0, 0)
	if err != nil {
		t.Fatalf("range surviving term: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("drop removed the wrong terminal")
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcripts.db")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.Append("term-a", 7, []byte("kept"))
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	chunks, err := reopened.Range("term-a", 0, 0)
	if err != nil {
		t.Fatalf("range after reopen: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Seq != 7 || string(chunks[0].Data) != "kept" {
		t.Fatalf("expected persisted chunk, got %v", chunks)
	}
}
