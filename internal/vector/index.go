package vector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

var (
	// ErrCorrupt means the on-disk file failed to deserialize. The guard
	// answers it by rebuilding from the store.
	ErrCorrupt = errors.New("vector: index file corrupt")
	// ErrDimensionMismatch means a vector of a different length than the
	// detected dimension was written. Same rebuild path.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
)

var fileMagic = [4]byte{'M', 'N', 'V', 'X'}

const fileVersion uint32 = 1

// Index is a flat on-disk vector index. It is a derived artifact: the
// authoritative embeddings live on graph_node rows, and the guard rebuilds
// this file from them whenever it is lost or inconsistent.
type Index struct {
	mu       sync.Mutex
	log      *logger.Logger
	path     string
	headroom int
	debounce time.Duration

	dim      int
	capacity int
	ids      []uuid.UUID
	vecs     [][]float32
	norms    []float64
	byID     map[uuid.UUID]int

	dirty      bool
	flushTimer *time.Timer
}

type SearchResult struct {
	ID    uuid.UUID
	Score float64
}

func newIndex(path string, dim, headroom int, debounce time.Duration, log *logger.Logger) *Index {
	if headroom <= 0 {
		headroom = 1024
	}
	return &Index{
		log:      log,
		path:     path,
		headroom: headroom,
		debounce: debounce,
		dim:      dim,
		capacity: headroom,
		byID:     map[uuid.UUID]int{},
	}
}

// Open reads the index file at path. A missing file returns os.ErrNotExist;
// any parse failure returns ErrCorrupt. Callers go through the guard, which
// turns both into a rebuild.
func Open(path string, headroom int, debounce time.Duration, log *logger.Logger) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	idx := newIndex(path, 0, headroom, debounce, log)
	if err := idx.decode(raw); err != nil {
		return nil, err
	}
	return idx, nil
}

func (x *Index) decode(raw []byte) error {
	if len(raw) < 16 {
		return ErrCorrupt
	}
	if [4]byte(raw[0:4]) != fileMagic {
		return ErrCorrupt
	}
	if binary.LittleEndian.Uint32(raw[4:8]) != fileVersion {
		return ErrCorrupt
	}
	dim := int(binary.LittleEndian.Uint32(raw[8:12]))
	count := int(binary.LittleEndian.Uint32(raw[12:16]))
	if dim <= 0 && count > 0 {
		return ErrCorrupt
	}
	rowSize := 16 + dim*4
	if len(raw) != 16+count*rowSize {
		return ErrCorrupt
	}
	x.dim = dim
	for i := 0; i < count; i++ {
		off := 16 + i*rowSize
		var id uuid.UUID
		copy(id[:], raw[off:off+16])
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(raw[off+16+j*4 : off+16+j*4+4])
			vec[j] = math.Float32frombits(bits)
		}
		x.append(id, vec)
	}
	if x.capacity < len(x.ids)+x.headroom {
		x.capacity = len(x.ids) + x.headroom
	}
	return nil
}

func (x *Index) append(id uuid.UUID, vec []float32) {
	x.ids = append(x.ids, id)
	x.vecs = append(x.vecs, vec)
	x.norms = append(x.norms, norm64(vec))
	x.byID[id] = len(x.ids) - 1
}

// Dim returns the detected dimension; zero until the first vector arrives.
func (x *Index) Dim() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dim
}

func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ids)
}

// Upsert inserts or replaces one vector. The first vector fixes the
// dimension; later writes of a different length fail with
// ErrDimensionMismatch so the guard can rebuild. Capacity grows by the
// configured headroom when the allocation is exhausted.
func (x *Index) Upsert(id uuid.UUID, vec []float32) error {
	if id == uuid.Nil || len(vec) == 0 {
		return fmt.Errorf("vector: upsert requires id and a non-empty vector")
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim == 0 {
		x.dim = len(vec)
	}
	if len(vec) != x.dim {
		return fmt.Errorf("%w: have %d, index is %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	if pos, ok := x.byID[id]; ok {
		x.vecs[pos] = vec
		x.norms[pos] = norm64(vec)
	} else {
		if len(x.ids) >= x.capacity {
			x.capacity += x.headroom
			x.log.Info("Growing vector index capacity", "capacity", x.capacity)
		}
		x.append(id, vec)
	}
	x.markDirtyLocked()
	return nil
}

// Search returns the top-k rows by cosine similarity.
func (x *Index) Search(query []float32, k int) ([]SearchResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dim == 0 || len(x.ids) == 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d, index is %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k <= 0 {
		k = 10
	}

	q := toFloat64(query)
	qn := floats.Norm(q, 2)
	if qn == 0 {
		return nil, nil
	}
	results := make([]SearchResult, 0, len(x.ids))
	for i, id := range x.ids {
		if x.norms[i] == 0 {
			continue
		}
		score := floats.Dot(q, toFloat64(x.vecs[i])) / (qn * x.norms[i])
		results = append(results, SearchResult{ID: id, Score: score})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// markDirtyLocked schedules a debounced flush. Bursty indexing coalesces to
// one disk write per quiet period instead of one per upsert.
func (x *Index) markDirtyLocked() {
	x.dirty = true
	if x.debounce <= 0 {
		return
	}
	if x.flushTimer != nil {
		x.flushTimer.Reset(x.debounce)
		return
	}
	x.flushTimer = time.AfterFunc(x.debounce, func() {
		if err := x.Flush(); err != nil {
			x.log.Error("Debounced index flush failed", "error", err)
		}
	})
}

// Flush writes the index file if anything changed since the last write.
func (x *Index) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}
	raw := x.encode()
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("vector: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, x.path); err != nil {
		return fmt.Errorf("vector: rename %s: %w", tmp, err)
	}
	x.dirty = false
	return nil
}

// Close stops the flush timer and performs a final synchronous flush.
func (x *Index) Close() error {
	x.mu.Lock()
	if x.flushTimer != nil {
		x.flushTimer.Stop()
		x.flushTimer = nil
	}
	x.mu.Unlock()
	return x.Flush()
}

func (x *Index) encode() []byte {
	rowSize := 16 + x.dim*4
	raw := make([]byte, 16+len(x.ids)*rowSize)
	copy(raw[0:4], fileMagic[:])
	binary.LittleEndian.PutUint32(raw[4:8], fileVersion)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(x.dim))
	binary.LittleEndian.PutUint32(raw[12:16], uint32(len(x.ids)))
	for i, id := range x.ids {
		off := 16 + i*rowSize
		copy(raw[off:off+16], id[:])
		for j, v := range x.vecs[i] {
			binary.LittleEndian.PutUint32(raw[off+16+j*4:off+16+j*4+4], math.Float32bits(v))
		}
	}
	return raw
}

func toFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func norm64(vec []float32) float64 {
	return floats.Norm(toFloat64(vec), 2)
}

func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
