package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/types"
)

// NodeInput is the writer's creation request. OriginKey, when set, makes the
// write idempotent: replays resolve to the node created first.
type NodeInput struct {
	Kind      string
	OriginKey string
	// ThreadID may be pre-resolved for event nodes; most events receive their
	// thread later through the thread repository's insert-only assignment.
	ThreadID *uuid.UUID
	// SourceEventID is mandatory for derived kinds (knowledge, state
	// snapshot, procedure, plan); the typed edge from it is written in the
	// same transaction as the node.
	SourceEventID uuid.UUID
	Title         string
	Summary       string
	Keywords      []string
	Entities      []types.EntityRef
	Importance    int
	Confidence    int
	EventTime     *time.Time
	MergedFromIDs []uuid.UUID
}

// Writer turns model output into graph rows with at-most-one-effective-write
// semantics under retry.
type Writer struct {
	db    *gorm.DB
	log   *logger.Logger
	nodes repos.GraphNodeRepo
	edges repos.GraphEdgeRepo
	shots repos.ScreenshotRepo
}

func NewWriter(db *gorm.DB, baseLog *logger.Logger, nodes repos.GraphNodeRepo, edges repos.GraphEdgeRepo, shots repos.ScreenshotRepo) *Writer {
	return &Writer{
		db:    db,
		log:   baseLog.With("component", "GraphWriter"),
		nodes: nodes,
		edges: edges,
		shots: shots,
	}
}

func validKind(kind string) bool {
	switch kind {
	case types.NodeKindEvent, types.NodeKindKnowledge, types.NodeKindStateSnapshot,
		types.NodeKindProcedure, types.NodeKindPlan, types.NodeKindEntityProfile:
		return true
	}
	return false
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// CreateNode persists one node plus its mandated edges. For a derived kind
// the source-event edge is created in the same transaction; for an event
// with a resolved thread the event_next edge from the latest prior event in
// that thread is chained, which is what makes chronological traversal
// explicit without rescanning on reads.
func (w *Writer) CreateNode(ctx context.Context, input NodeInput) (uuid.UUID, error) {
	if !validKind(input.Kind) {
		return uuid.Nil, fmt.Errorf("graph: unknown node kind %q", input.Kind)
	}
	if input.Title == "" {
		return uuid.Nil, fmt.Errorf("graph: node title is required")
	}
	derived := types.DerivedNodeKind(input.Kind)
	if derived && input.SourceEventID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("graph: %s node requires a source event", input.Kind)
	}

	if input.OriginKey != "" {
		existing, err := w.nodes.GetByOriginKey(ctx, nil, input.OriginKey)
		if err != nil {
			return uuid.Nil, err
		}
		if existing != nil {
			return existing.ID, nil
		}
	}

	node := &types.GraphNode{
		ID:         uuid.New(),
		Kind:       input.Kind,
		ThreadID:   input.ThreadID,
		Title:      input.Title,
		Summary:    input.Summary,
		Importance: clampScore(input.Importance),
		Confidence: clampScore(input.Confidence),
		EventTime:  input.EventTime,
		DetailState: types.WorkState{
			Status: detailSeedStatus(input.Kind),
		},
		EmbeddingState: types.WorkState{
			Status: types.WorkStatusPending,
		},
	}
	if input.OriginKey != "" {
		key := input.OriginKey
		node.OriginKey = &key
	}
	if len(input.Keywords) > 0 {
		raw, _ := json.Marshal(input.Keywords)
		node.Keywords = datatypes.JSON(raw)
	}
	if len(input.Entities) > 0 {
		raw, _ := json.Marshal(input.Entities)
		node.Entities = datatypes.JSON(raw)
	}
	if len(input.MergedFromIDs) > 0 {
		raw, _ := json.Marshal(input.MergedFromIDs)
		node.MergedFromIDs = datatypes.JSON(raw)
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if derived {
			src, err := w.nodes.GetByID(ctx, tx, input.SourceEventID)
			if err != nil {
				return err
			}
			if src == nil || src.Kind != types.NodeKindEvent {
				return fmt.Errorf("graph: source %s is not an event node", input.SourceEventID)
			}
		}
		if err := w.nodes.Create(ctx, tx, node); err != nil {
			return err
		}
		if derived {
			edgeType := types.EdgeTypeForKind(input.Kind)
			if err := w.edges.Create(ctx, tx, input.SourceEventID, node.ID, edgeType); err != nil {
				return err
			}
		}
		if input.Kind == types.NodeKindEvent && input.ThreadID != nil && input.EventTime != nil {
			prev, err := w.nodes.LatestEventBefore(ctx, tx, *input.ThreadID, *input.EventTime, node.ID)
			if err != nil {
				return err
			}
			if prev != nil {
				if err := w.edges.Create(ctx, tx, prev.ID, node.ID, types.EdgeEventNext); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		// A lost insert race on origin_key surfaces as a uniqueness
		// violation; resolve it by re-reading the winner.
		if input.OriginKey != "" {
			if existing, lookupErr := w.nodes.GetByOriginKey(ctx, nil, input.OriginKey); lookupErr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return uuid.Nil, err
	}
	return node.ID, nil
}

// LinkScreenshot records evidence provenance for a node. Idempotent.
func (w *Writer) LinkScreenshot(ctx context.Context, nodeID, screenshotID uuid.UUID) error {
	if nodeID == uuid.Nil || screenshotID == uuid.Nil {
		return fmt.Errorf("graph: link requires node and screenshot ids")
	}
	return w.shots.LinkNode(ctx, nil, nodeID, screenshotID)
}

// Only event nodes go through the detail stage; everything else is born with
// the substatus already terminal so the due-query never sees it.
func detailSeedStatus(kind string) string {
	if kind == types.NodeKindEvent {
		return types.WorkStatusPending
	}
	return types.WorkStatusSucceeded
}
