package graph

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/testutil"
	"github.com/mbaxszy7/mnemora/internal/types"
)

func newTestWriter(t *testing.T, db *gorm.DB) *Writer {
	t.Helper()
	log := testutil.Logger(t)
	return NewWriter(db, log,
		repos.NewGraphNodeRepo(db, log),
		repos.NewGraphEdgeRepo(db, log),
		repos.NewScreenshotRepo(db, log))
}

func TestCreateNodeOriginKeyIdempotency(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	w := newTestWriter(t, db)

	now := time.Now()
	input := NodeInput{
		Kind:      types.NodeKindEvent,
		OriginKey: "batch-1:event:0",
		Title:     "writing tests",
		EventTime: &now,
	}
	first, err := w.CreateNode(ctx, input)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	second, err := w.CreateNode(ctx, input)
	if err != nil {
		t.Fatalf("replay CreateNode: %v", err)
	}
	if first != second {
		t.Fatalf("replay created a second node: %s vs %s", first, second)
	}

	var count int64
	if err := db.Model(&types.GraphNode{}).Count(&count).Error; err != nil {
		t.Fatalf("count nodes: %v", err)
	}
	if count != 1 {
		t.Fatalf("node count: %d", count)
	}
}

func TestCreateNodeValidation(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	w := newTestWriter(t, db)

	if _, err := w.CreateNode(ctx, NodeInput{Kind: "bogus", Title: "x"}); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if _, err := w.CreateNode(ctx, NodeInput{Kind: types.NodeKindEvent}); err == nil {
		t.Fatal("empty title accepted")
	}
	// Derived kinds must trace to a source event.
	if _, err := w.CreateNode(ctx, NodeInput{Kind: types.NodeKindKnowledge, Title: "x"}); err == nil {
		t.Fatal("derived node without source accepted")
	}
	nonEvent, err := w.CreateNode(ctx, NodeInput{Kind: types.NodeKindEntityProfile, Title: "profile"})
	if err != nil {
		t.Fatalf("entity profile: %v", err)
	}
	if _, err := w.CreateNode(ctx, NodeInput{
		Kind: types.NodeKindKnowledge, Title: "x", SourceEventID: nonEvent,
	}); err == nil {
		t.Fatal("derived node with non-event source accepted")
	}
}

func TestCreateDerivedNodeWritesTypedEdge(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	w := newTestWriter(t, db)

	now := time.Now()
	eventID, err := w.CreateNode(ctx, NodeInput{
		Kind: types.NodeKindEvent, Title: "debugging", EventTime: &now,
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	knowledgeID, err := w.CreateNode(ctx, NodeInput{
		Kind: types.NodeKindKnowledge, Title: "lesson learned", SourceEventID: eventID,
	})
	if err != nil {
		t.Fatalf("knowledge: %v", err)
	}

	var edge types.GraphEdge
	if err := db.First(&edge, "from_node_id = ? AND to_node_id = ?", eventID, knowledgeID).Error; err != nil {
		t.Fatalf("edge missing: %v", err)
	}
	if edge.EdgeType != types.EdgeEventProducesKnowledge {
		t.Fatalf("edge type: %s", edge.EdgeType)
	}

	// Derived nodes skip the detail stage.
	var node types.GraphNode
	if err := db.First(&node, "id = ?", knowledgeID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if node.DetailState.Status != types.WorkStatusSucceeded {
		t.Fatalf("derived detail status: %s", node.DetailState.Status)
	}
	if node.EmbeddingState.Status != types.WorkStatusPending {
		t.Fatalf("derived embedding status: %s", node.EmbeddingState.Status)
	}
}

func TestCreateEventChainsWithinThread(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	w := newTestWriter(t, db)

	thread := testutil.SeedThread(t, ctx, db)
	base := time.Now().Add(-time.Hour)
	later := base.Add(10 * time.Minute)

	firstID, err := w.CreateNode(ctx, NodeInput{
		Kind: types.NodeKindEvent, Title: "first", ThreadID: &thread.ID, EventTime: &base,
	})
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	secondID, err := w.CreateNode(ctx, NodeInput{
		Kind: types.NodeKindEvent, Title: "second", ThreadID: &thread.ID, EventTime: &later,
	})
	if err != nil {
		t.Fatalf("second event: %v", err)
	}

	var edge types.GraphEdge
	if err := db.First(&edge, "edge_type = ?", types.EdgeEventNext).Error; err != nil {
		t.Fatalf("event_next edge missing: %v", err)
	}
	if edge.FromNodeID != firstID || edge.ToNodeID != secondID {
		t.Fatalf("chain direction wrong: %s -> %s", edge.FromNodeID, edge.ToNodeID)
	}
}

func TestLinkScreenshotIdempotent(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	w := newTestWriter(t, db)

	now := time.Now()
	nodeID, err := w.CreateNode(ctx, NodeInput{
		Kind: types.NodeKindEvent, Title: "reading docs", EventTime: &now,
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	shot := testutil.SeedScreenshot(t, ctx, db, now)

	if err := w.LinkScreenshot(ctx, nodeID, shot.ID); err != nil {
		t.Fatalf("LinkScreenshot: %v", err)
	}
	if err := w.LinkScreenshot(ctx, nodeID, shot.ID); err != nil {
		t.Fatalf("replay LinkScreenshot: %v", err)
	}

	var count int64
	if err := db.Model(&types.NodeScreenshot{}).Count(&count).Error; err != nil {
		t.Fatalf("count links: %v", err)
	}
	if count != 1 {
		t.Fatalf("link count: %d", count)
	}
}
