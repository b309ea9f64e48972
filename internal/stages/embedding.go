package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/dispatch"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/types"
	"github.com/mbaxszy7/mnemora/internal/vector"
)

type EmbeddingDeps struct {
	DB    *gorm.DB
	Log   *logger.Logger
	Work  repos.WorkRecordRepo
	Nodes repos.GraphNodeRepo
	Model *ModelCaller
	Guard *vector.Guard
	Index *vector.Index
	Cfg   config.StageConfig
}

// EmbeddingStage embeds node text and keeps the on-disk vector index
// consistent with the database. The index write happens before the success
// mark: a crash between the two leaves the row retriable, never a node the
// index silently lacks.
type EmbeddingStage struct {
	deps EmbeddingDeps
	log  *logger.Logger

	mu  sync.Mutex
	idx *vector.Index
}

func NewEmbeddingStage(deps EmbeddingDeps) (*EmbeddingStage, error) {
	if deps.DB == nil || deps.Log == nil || deps.Work == nil || deps.Nodes == nil ||
		deps.Model == nil || deps.Guard == nil || deps.Index == nil {
		return nil, fmt.Errorf("embedding: missing deps")
	}
	return &EmbeddingStage{
		deps: deps,
		log:  deps.Log.With("stage", "embedding"),
		idx:  deps.Index,
	}, nil
}

func (s *EmbeddingStage) Name() string { return "embedding" }

// CurrentIndex returns the live index, which changes identity after a
// dimension-drift rebuild.
func (s *EmbeddingStage) CurrentIndex() *vector.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

func (s *EmbeddingStage) EarliestNextRun(ctx context.Context) (*time.Time, error) {
	return s.deps.Work.EarliestNextRun(ctx, nil, s.deps.Cfg.Retry.MaxAttempts)
}

func (s *EmbeddingStage) RunCycle(ctx context.Context) error {
	if _, err := s.deps.Work.RecoverStale(ctx, nil, s.deps.Cfg.Scheduler.StaleRunningThreshold); err != nil {
		return fmt.Errorf("embedding: stale recovery: %w", err)
	}
	due, err := s.deps.Work.Due(ctx, nil, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Dispatch.MaxPerCycle)
	if err != nil {
		return fmt.Errorf("embedding: due query: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	dispatch.ProcessInLanes(ctx, s.log, dispatch.Options[repos.DueItem]{
		Lanes:          splitLanes(due),
		Concurrency:    s.deps.Cfg.Dispatch.Concurrency,
		RealtimeWeight: s.deps.Cfg.Dispatch.RealtimeWeight,
		RecoveryWeight: s.deps.Cfg.Dispatch.RecoveryWeight,
		MaxItems:       s.deps.Cfg.Dispatch.MaxPerCycle,
		Handler: func(ctx context.Context, lane string, item repos.DueItem) error {
			return s.processNode(ctx, item.ID)
		},
	})
	return nil
}

func (s *EmbeddingStage) processNode(ctx context.Context, id uuid.UUID) error {
	claimed, err := s.deps.Work.Claim(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("embedding: claim %s: %w", id, err)
	}
	if !claimed {
		return nil
	}

	node, err := s.deps.Nodes.GetByID(ctx, nil, id)
	if err == nil && node == nil {
		err = fmt.Errorf("embedding: node %s vanished after claim", id)
	}
	if err != nil {
		_, _ = s.deps.Work.MarkFailed(ctx, nil, id, err, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		return err
	}

	if procErr := s.embed(ctx, node); procErr != nil {
		permanent, markErr := s.deps.Work.MarkFailed(ctx, nil, id, procErr, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		if markErr != nil {
			return markErr
		}
		if permanent {
			s.log.Error("Node embedding failed permanently", "node_id", id, "error", procErr)
		}
		return procErr
	}
	return nil
}

func (s *EmbeddingStage) embed(ctx context.Context, node *types.GraphNode) error {
	text := embeddingText(node)
	if text == "" {
		return fmt.Errorf("embedding: node %s has no text to embed", node.ID)
	}
	vecs, err := s.deps.Model.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("embedding: model returned %d vectors for node %s", len(vecs), node.ID)
	}
	vec := vecs[0]

	if err := s.upsert(ctx, node.ID, vec); err != nil {
		return err
	}
	// Index first, row second: the succeeded mark asserts the vector is in
	// the index.
	return s.deps.Work.MarkSucceeded(ctx, nil, node.ID, map[string]any{
		"embedding": vector.EncodeVector(vec),
	})
}

func (s *EmbeddingStage) upsert(ctx context.Context, id uuid.UUID, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.idx.Upsert(id, vec)
	if err == nil {
		return nil
	}
	if !errors.Is(err, vector.ErrDimensionMismatch) {
		return err
	}

	// The embedding model changed its output dimension. The index is a
	// derived cache, so discard it, reset every indexed and in-flight row
	// back to pending, and start over at the new dimension. Resetting
	// in-flight claims voids their success marks (gated on status=running),
	// so no worker racing this rebuild can record a vector the fresh index
	// does not hold.
	s.log.Warn("Embedding dimension drift, rebuilding index", "node_id", id, "index_dim", s.idx.Dim(), "vector_dim", len(vec))
	fresh, rebuildErr := s.deps.Guard.ResetAndRebuild(ctx)
	if rebuildErr != nil {
		return fmt.Errorf("embedding: rebuild after dimension drift: %w", rebuildErr)
	}
	_ = s.idx.Close()
	s.idx = fresh
	return err
}

func embeddingText(node *types.GraphNode) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{node.Title, node.Summary, node.Detail} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}
