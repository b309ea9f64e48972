package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
)

// Guard enforces the consistency contract between the on-disk index and the
// store: the index is a cache, the graph_node embedding columns are the
// source of truth. Whenever the cache cannot be trusted it is discarded and
// the affected rows are reset to pending so the embedding stage
// re-materializes it.
type Guard struct {
	db    *gorm.DB
	log   *logger.Logger
	cfg   config.VectorConfig
	nodes repos.GraphNodeRepo
}

func NewGuard(db *gorm.DB, baseLog *logger.Logger, cfg config.VectorConfig, nodes repos.GraphNodeRepo) *Guard {
	return &Guard{
		db:    db,
		log:   baseLog.With("component", "VectorGuard"),
		cfg:   cfg,
		nodes: nodes,
	}
}

// Load opens the index file, or rebuilds from scratch when it is missing or
// corrupt. The rebuild resets every embedding-succeeded (and in-flight
// running) row to pending rather than silently serving a stale or empty
// index.
func (g *Guard) Load(ctx context.Context) (*Index, error) {
	idx, err := Open(g.cfg.IndexPath, g.cfg.Headroom, g.cfg.FlushDebounce, g.log)
	if err == nil {
		g.log.Info("Vector index loaded", "path", g.cfg.IndexPath, "vectors", idx.Len(), "dim", idx.Dim())
		return idx, nil
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		g.log.Info("Vector index missing, starting fresh", "path", g.cfg.IndexPath)
	case errors.Is(err, ErrCorrupt):
		g.log.Warn("Vector index corrupt, rebuilding", "path", g.cfg.IndexPath)
	default:
		return nil, fmt.Errorf("vector: load index: %w", err)
	}
	return g.rebuild(ctx, true)
}

// ResetAndRebuild discards the index and re-queues indexing. Used when a
// dimension mismatch shows the cache no longer matches the store, e.g.
// after an embedding model change.
func (g *Guard) ResetAndRebuild(ctx context.Context) (*Index, error) {
	g.log.Warn("Resetting vector index", "path", g.cfg.IndexPath)
	if err := os.Remove(g.cfg.IndexPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("vector: remove index file: %w", err)
	}
	// After a dimension drift the stored blobs are stale, so they must not
	// pin the new index's dimension; the first re-embedded vector fixes it.
	return g.rebuild(ctx, false)
}

func (g *Guard) rebuild(ctx context.Context, detectDim bool) (*Index, error) {
	var dim int
	if detectDim {
		var err error
		dim, err = g.detectDim(ctx)
		if err != nil {
			return nil, err
		}
	}
	reset, err := g.nodes.ResetIndexed(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: reset indexed rows: %w", err)
	}
	if reset > 0 {
		g.log.Info("Queued nodes for re-indexing", "count", reset, "dim", dim)
	}
	idx := newIndex(g.cfg.IndexPath, dim, g.cfg.Headroom, g.cfg.FlushDebounce, g.log)
	return idx, nil
}

// detectDim derives the dimension from any stored embedding's byte length
// instead of hard-coding it; the embedding model may change between runs.
func (g *Guard) detectDim(ctx context.Context) (int, error) {
	blob, err := g.nodes.AnyEmbedding(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("vector: detect dimension: %w", err)
	}
	if len(blob) == 0 {
		return 0, nil
	}
	if len(blob)%4 != 0 {
		g.log.Warn("Stored embedding has odd byte length, ignoring for dimension detection", "bytes", len(blob))
		return 0, nil
	}
	return len(blob) / 4, nil
}

// EncodeVector serializes an embedding for the graph_node blob column.
func EncodeVector(vec []float32) []byte {
	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(v))
	}
	return raw
}

// DecodeVector reverses EncodeVector.
func DecodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector: blob length %d not a multiple of 4", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	return vec, nil
}
