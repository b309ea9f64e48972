package stages

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/graph"
	"github.com/mbaxszy7/mnemora/internal/notify"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/testutil"
	"github.com/mbaxszy7/mnemora/internal/threads"
	"github.com/mbaxszy7/mnemora/internal/types"
	"github.com/mbaxszy7/mnemora/internal/vector"
)

// fakeModel scripts structured responses per schema name and vectors per
// Embed call.
type fakeModel struct {
	mu        sync.Mutex
	responses map[string][]map[string]any
	vectors   [][]float32
	err       error
	calls     int
}

func (m *fakeModel) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	queue := m.responses[schemaName]
	if len(queue) == 0 {
		return nil, errors.New("fakeModel: no scripted response for " + schemaName)
	}
	next := queue[0]
	m.responses[schemaName] = queue[1:]
	return next, nil
}

func (m *fakeModel) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = m.vectors[i%len(m.vectors)]
	}
	return out, nil
}

func scripted(schemaName string, payload any) map[string][]map[string]any {
	raw, _ := json.Marshal(payload)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return map[string][]map[string]any{schemaName: {m}}
}

func testStageCfg() config.StageConfig {
	return config.StageConfig{
		Scheduler: config.SchedulerConfig{
			DefaultInterval:       time.Second,
			MinDelay:              time.Millisecond,
			SoonDelay:             time.Millisecond,
			StaleRunningThreshold: 5 * time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:        3,
			RetryDelay:         time.Minute,
			ProcessingMinDelay: time.Second,
			ProcessingMaxDelay: time.Minute,
			Jitter:             0,
		},
		Dispatch: config.DispatchConfig{
			Concurrency: 2,
			MaxPerCycle: 8,
		},
	}
}

func newAnalysisFixture(t *testing.T, db *gorm.DB, model *fakeModel, sink notify.Notifier) *AnalysisStage {
	t.Helper()
	log := testutil.Logger(t)
	nodes := repos.NewGraphNodeRepo(db, log)
	edges := repos.NewGraphEdgeRepo(db, log)
	shots := repos.NewScreenshotRepo(db, log)
	stage, err := NewAnalysisStage(AnalysisDeps{
		DB:      db,
		Log:     log,
		Work:    repos.NewWorkRecordRepo(db, log, AnalysisTarget),
		Batches: repos.NewAnalysisBatchRepo(db, log),
		Shots:   shots,
		Windows: repos.NewSummaryWindowRepo(db, log),
		Writer:  graph.NewWriter(db, log, nodes, edges, shots),
		Threads: threads.NewRepository(db, log, config.ThreadsConfig{
			GapThreshold:      10 * time.Minute,
			SnapshotNodeCount: 20,
		}, repos.NewThreadRepo(db, log), nodes, edges),
		Model:  NewModelCaller(model, config.ModelConfig{Timeout: time.Minute, MaxConcurrency: 2}, log),
		Notify: sink,
		Cfg:    testStageCfg(),
	})
	if err != nil {
		t.Fatalf("NewAnalysisStage: %v", err)
	}
	return stage
}

func TestAnalysisCycleBuildsGraph(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	from := time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC)
	s0 := testutil.SeedScreenshot(t, ctx, db, from)
	s1 := testutil.SeedScreenshot(t, ctx, db, from.Add(time.Minute))
	batch := testutil.SeedBatch(t, ctx, db, []uuid.UUID{s0.ID, s1.ID}, from, from.Add(2*time.Minute))

	model := &fakeModel{responses: scripted("batch_analysis", map[string]any{
		"events": []map[string]any{
			{
				"title":              "editing pipeline code",
				"summary":            "work on the ingestion pipeline",
				"event_time":         from.Format(time.RFC3339),
				"keywords":           []string{"go"},
				"entities":           []map[string]any{{"name": "editor", "type": "app"}},
				"screenshot_indices": []int{0, 1},
				"derived": []map[string]any{
					{"kind": "knowledge", "title": "pipeline uses claim protocol", "summary": ""},
				},
			},
		},
		"assignments": []map[string]any{{"node_index": 0, "thread_id": "NEW"}},
		"new_threads": []map[string]any{{"title": "pipeline work", "node_indices": []int{0}}},
	})}

	var mu sync.Mutex
	var notified []notify.Change
	sink := notify.NewDebounced(time.Millisecond, func(c notify.Change) {
		mu.Lock()
		notified = append(notified, c)
		mu.Unlock()
	}, testutil.Logger(t))
	defer sink.Close()

	stage := newAnalysisFixture(t, db, model, sink)
	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var got types.AnalysisBatch
	if err := db.First(&got, "id = ?", batch.ID).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if got.Status != types.WorkStatusSucceeded {
		t.Fatalf("batch status: %s (%s)", got.Status, got.ErrorMessage)
	}

	var nodeCount, edgeCount, linkCount, threadCount, windowCount int64
	db.Model(&types.GraphNode{}).Count(&nodeCount)
	db.Model(&types.GraphEdge{}).Count(&edgeCount)
	db.Model(&types.NodeScreenshot{}).Count(&linkCount)
	db.Model(&types.Thread{}).Count(&threadCount)
	db.Model(&types.SummaryWindow{}).Count(&windowCount)
	if nodeCount != 2 {
		t.Fatalf("nodes: %d", nodeCount)
	}
	if edgeCount != 1 {
		t.Fatalf("edges: %d", edgeCount)
	}
	if linkCount != 2 {
		t.Fatalf("screenshot links: %d", linkCount)
	}
	if threadCount != 1 {
		t.Fatalf("threads: %d", threadCount)
	}
	if windowCount != 1 {
		t.Fatalf("summary windows: %d", windowCount)
	}

	// The event node entered both downstream substatus queues.
	var event types.GraphNode
	if err := db.First(&event, "kind = ?", types.NodeKindEvent).Error; err != nil {
		t.Fatalf("event node: %v", err)
	}
	if event.DetailState.Status != types.WorkStatusPending || event.EmbeddingState.Status != types.WorkStatusPending {
		t.Fatalf("substatuses: detail=%s embedding=%s", event.DetailState.Status, event.EmbeddingState.Status)
	}
	if event.ThreadID == nil {
		t.Fatal("event not assigned to a thread")
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(notified)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no graph-changed notification")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAnalysisModelFailureConsumesAttempt(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	from := time.Now().Add(-time.Hour)
	shot := testutil.SeedScreenshot(t, ctx, db, from)
	batch := testutil.SeedBatch(t, ctx, db, []uuid.UUID{shot.ID}, from, from.Add(time.Minute))

	model := &fakeModel{err: errors.New("model unavailable")}
	stage := newAnalysisFixture(t, db, model, nil)
	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var got types.AnalysisBatch
	if err := db.First(&got, "id = ?", batch.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != types.WorkStatusFailed || got.Attempts != 1 {
		t.Fatalf("after failure: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.NextRunAt == nil {
		t.Fatal("failed batch has no retry time")
	}
}

func newSummaryFixture(t *testing.T, db *gorm.DB, model *fakeModel) *SummaryStage {
	t.Helper()
	log := testutil.Logger(t)
	stage, err := NewSummaryStage(SummaryDeps{
		DB:      db,
		Log:     log,
		Work:    repos.NewWorkRecordRepo(db, log, SummaryTarget),
		Windows: repos.NewSummaryWindowRepo(db, log),
		Batches: repos.NewAnalysisBatchRepo(db, log),
		Nodes:   repos.NewGraphNodeRepo(db, log),
		Model:   NewModelCaller(model, config.ModelConfig{Timeout: time.Minute, MaxConcurrency: 2}, log),
		Cfg:     testStageCfg(),
	})
	if err != nil {
		t.Fatalf("NewSummaryStage: %v", err)
	}
	return stage
}

func TestSummaryWaitsForUnfinishedBatches(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	window := testutil.SeedWindow(t, ctx, db, start)
	// A still-pending batch overlaps the window.
	testutil.SeedBatch(t, ctx, db, nil, start.Add(5*time.Minute), start.Add(10*time.Minute))

	model := &fakeModel{}
	stage := newSummaryFixture(t, db, model)
	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var got types.SummaryWindow
	if err := db.First(&got, "id = ?", window.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	// Waiting is a reschedule, not a burned attempt.
	if got.Status != types.WorkStatusFailed || got.Attempts != 0 {
		t.Fatalf("waiting window: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.NextRunAt == nil {
		t.Fatal("waiting window has no wake time")
	}
	if model.calls != 0 {
		t.Fatalf("model called while upstream unfinished: %d", model.calls)
	}
}

func TestSummarySummarizesReadyWindow(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	window := testutil.SeedWindow(t, ctx, db, start)
	node := testutil.SeedEventNode(t, ctx, db, start.Add(10*time.Minute))
	_ = node

	model := &fakeModel{responses: scripted("window_summary", map[string]any{
		"title":   "morning focus",
		"summary": "one block of pipeline work",
		"stats":   map[string]any{"events": 1},
	})}
	stage := newSummaryFixture(t, db, model)
	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var got types.SummaryWindow
	if err := db.First(&got, "id = ?", window.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != types.WorkStatusSucceeded {
		t.Fatalf("window status: %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.Title != "morning focus" || got.Summary == "" {
		t.Fatalf("window content: title=%q summary=%q", got.Title, got.Summary)
	}
	if len(got.Stats) == 0 {
		t.Fatal("window stats not persisted")
	}
}

func TestDetailYieldsWhileWindowsOutstanding(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	log := testutil.Logger(t)

	testutil.SeedEventNode(t, ctx, db, time.Now().Add(-time.Hour))
	testutil.SeedWindow(t, ctx, db, time.Now().Truncate(time.Hour))

	model := &fakeModel{responses: scripted("event_detail", map[string]any{"detail": "long narrative"})}
	stage, err := NewDetailStage(DetailDeps{
		DB:      db,
		Log:     log,
		Work:    repos.NewWorkRecordRepo(db, log, DetailTarget),
		Nodes:   repos.NewGraphNodeRepo(db, log),
		Shots:   repos.NewScreenshotRepo(db, log),
		Windows: repos.NewSummaryWindowRepo(db, log),
		Model:   NewModelCaller(model, config.ModelConfig{Timeout: time.Minute, MaxConcurrency: 2}, log),
		Cfg:     testStageCfg(),
	})
	if err != nil {
		t.Fatalf("NewDetailStage: %v", err)
	}

	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("detail dispatched while a window was outstanding: %d calls", model.calls)
	}

	// Window finishes; the next cycle processes the event.
	if err := db.Model(&types.SummaryWindow{}).Where("1 = 1").Update("status", types.WorkStatusSucceeded).Error; err != nil {
		t.Fatalf("finish window: %v", err)
	}
	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}

	var node types.GraphNode
	if err := db.First(&node, "kind = ?", types.NodeKindEvent).Error; err != nil {
		t.Fatalf("reload node: %v", err)
	}
	if node.DetailState.Status != types.WorkStatusSucceeded || node.Detail == "" {
		t.Fatalf("detail: status=%s detail=%q", node.DetailState.Status, node.Detail)
	}
}

func TestEmbeddingCycleIndexesAndStores(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	log := testutil.Logger(t)

	node := testutil.SeedEventNode(t, ctx, db, time.Now().Add(-time.Hour))

	nodes := repos.NewGraphNodeRepo(db, log)
	guard := vector.NewGuard(db, log, config.VectorConfig{
		IndexPath: t.TempDir() + "/stage.vec",
		Headroom:  16,
	}, nodes)
	index, err := guard.Load(ctx)
	if err != nil {
		t.Fatalf("guard.Load: %v", err)
	}

	model := &fakeModel{vectors: [][]float32{{1, 0, 0}}}
	stage, err := NewEmbeddingStage(EmbeddingDeps{
		DB:    db,
		Log:   log,
		Work:  repos.NewWorkRecordRepo(db, log, EmbeddingTarget),
		Nodes: nodes,
		Model: NewModelCaller(model, config.ModelConfig{Timeout: time.Minute, MaxConcurrency: 2}, log),
		Guard: guard,
		Index: index,
		Cfg:   testStageCfg(),
	})
	if err != nil {
		t.Fatalf("NewEmbeddingStage: %v", err)
	}

	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var got types.GraphNode
	if err := db.First(&got, "id = ?", node.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.EmbeddingState.Status != types.WorkStatusSucceeded {
		t.Fatalf("embedding status: %s (%s)", got.EmbeddingState.Status, got.EmbeddingState.ErrorMessage)
	}
	if len(got.Embedding) != 12 {
		t.Fatalf("stored blob: %d bytes", len(got.Embedding))
	}
	if stage.CurrentIndex().Len() != 1 {
		t.Fatalf("index rows: %d", stage.CurrentIndex().Len())
	}

	results, err := stage.CurrentIndex().Search([]float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != node.ID {
		t.Fatalf("search: %v", results)
	}
}

func TestEmbeddingDimensionDriftResets(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	log := testutil.Logger(t)

	indexed := testutil.SeedEventNode(t, ctx, db, time.Now().Add(-2*time.Hour))
	pending := testutil.SeedEventNode(t, ctx, db, time.Now().Add(-time.Hour))

	nodes := repos.NewGraphNodeRepo(db, log)
	guard := vector.NewGuard(db, log, config.VectorConfig{
		IndexPath: t.TempDir() + "/drift.vec",
		Headroom:  16,
	}, nodes)
	dim3, err := guard.Load(ctx)
	if err != nil {
		t.Fatalf("guard.Load: %v", err)
	}

	// Bring one node fully through the old 3-dimensional pipeline.
	if err := dim3.Upsert(indexed.ID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("seed index row: %v", err)
	}
	if err := db.Model(&types.GraphNode{}).Where("id = ?", indexed.ID).Updates(map[string]any{
		"embedding":        vector.EncodeVector([]float32{1, 0, 0}),
		"embedding_status": types.WorkStatusSucceeded,
	}).Error; err != nil {
		t.Fatalf("seed indexed node: %v", err)
	}

	// The model now emits 4-dimensional vectors.
	model := &fakeModel{vectors: [][]float32{{1, 0, 0, 0}}}
	stage, err := NewEmbeddingStage(EmbeddingDeps{
		DB:    db,
		Log:   log,
		Work:  repos.NewWorkRecordRepo(db, log, EmbeddingTarget),
		Nodes: nodes,
		Model: NewModelCaller(model, config.ModelConfig{Timeout: time.Minute, MaxConcurrency: 2}, log),
		Guard: guard,
		Index: dim3,
		Cfg:   testStageCfg(),
	})
	if err != nil {
		t.Fatalf("NewEmbeddingStage: %v", err)
	}

	if err := stage.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// The drift discarded the old index and re-queued both the indexed node
	// and the in-flight claim, so nothing ends up succeeded against an index
	// that no longer holds it.
	if got := stage.CurrentIndex(); got == dim3 {
		t.Fatal("index not swapped after drift")
	}
	for _, id := range []uuid.UUID{indexed.ID, pending.ID} {
		var reloaded types.GraphNode
		if err := db.First(&reloaded, "id = ?", id).Error; err != nil {
			t.Fatalf("reload node: %v", err)
		}
		if reloaded.EmbeddingState.Status != types.WorkStatusPending {
			t.Fatalf("node %s not re-queued after drift: %s", id, reloaded.EmbeddingState.Status)
		}
	}
}
