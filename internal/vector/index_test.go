package vector

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

func tempIndexPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.vec")
}

func TestIndexRoundTrip(t *testing.T) {
	path := tempIndexPath(t)
	log := logger.NewNop()

	idx := newIndex(path, 0, 16, 0, log)
	a, b := uuid.New(), uuid.New()
	if err := idx.Upsert(a, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if err := idx.Upsert(b, []float32{0, 1, 0}); err != nil {
		t.Fatalf("Upsert b: %v", err)
	}
	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened, err := Open(path, 16, 0, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Len() != 2 || reopened.Dim() != 3 {
		t.Fatalf("reopened: len=%d dim=%d", reopened.Len(), reopened.Dim())
	}

	results, err := reopened.Search([]float32{1, 0.1, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != a {
		t.Fatalf("search results: %v", results)
	}
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	idx := newIndex(tempIndexPath(t), 0, 16, 0, logger.NewNop())
	id := uuid.New()
	if err := idx.Upsert(id, []float32{1, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(id, []float32{0, 1}); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("len after replace: %d", idx.Len())
	}
	results, err := idx.Search([]float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Score < 0.99 {
		t.Fatalf("replaced vector not served: %v", results)
	}
}

func TestFirstVectorFixesDimension(t *testing.T) {
	idx := newIndex(tempIndexPath(t), 0, 16, 0, logger.NewNop())
	if err := idx.Upsert(uuid.New(), []float32{1, 2, 3}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	err := idx.Upsert(uuid.New(), []float32{1, 2})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := idx.Search([]float32{1, 2}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("query dimension not checked: %v", err)
	}
}

func TestOpenMissingAndCorrupt(t *testing.T) {
	log := logger.NewNop()
	path := tempIndexPath(t)

	if _, err := Open(path, 16, 0, log); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: %v", err)
	}

	for name, raw := range map[string][]byte{
		"truncated":  {1, 2, 3},
		"bad magic":  append([]byte("XXXX"), make([]byte, 12)...),
		"bad length": append([]byte{'M', 'N', 'V', 'X', 1, 0, 0, 0, 3, 0, 0, 0, 5, 0, 0, 0}, make([]byte, 7)...),
	} {
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := Open(path, 16, 0, log); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: expected ErrCorrupt, got %v", name, err)
		}
	}
}

func TestFlushIsAtomicAndIdempotent(t *testing.T) {
	path := tempIndexPath(t)
	idx := newIndex(path, 0, 16, 0, logger.NewNop())
	if err := idx.Upsert(uuid.New(), []float32{1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("tmp file left behind: %v", err)
	}

	// Clean index: a second flush must not rewrite the file.
	before := info.ModTime()
	if err := idx.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	info, err = os.Stat(path)
	if err != nil {
		t.Fatalf("re-stat: %v", err)
	}
	if !info.ModTime().Equal(before) {
		t.Fatal("clean flush rewrote the file")
	}
}

func TestEncodeDecodeVector(t *testing.T) {
	vec := []float32{0.5, -1.25, 3}
	got, err := DecodeVector(EncodeVector(vec))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("length: %d", len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("component %d: %v != %v", i, got[i], vec[i])
		}
	}
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("odd-length blob accepted")
	}
}
