package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/dispatch"
	"github.com/mbaxszy7/mnemora/internal/graph"
	"github.com/mbaxszy7/mnemora/internal/notify"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/threads"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type AnalysisDeps struct {
	DB      *gorm.DB
	Log     *logger.Logger
	Work    repos.WorkRecordRepo
	Batches repos.AnalysisBatchRepo
	Shots   repos.ScreenshotRepo
	Windows repos.SummaryWindowRepo
	Writer  *graph.Writer
	Threads *threads.Repository
	Model   *ModelCaller
	Notify  notify.Notifier
	Cfg     config.StageConfig
}

// AnalysisStage turns claimed screenshot batches into event nodes, derived
// nodes, and thread assignments. It is the pipeline's entry stage: its
// successes are what make the summary, detail, and embedding stages see
// work.
type AnalysisStage struct {
	deps AnalysisDeps
	log  *logger.Logger
}

func NewAnalysisStage(deps AnalysisDeps) (*AnalysisStage, error) {
	if deps.DB == nil || deps.Log == nil || deps.Work == nil || deps.Batches == nil ||
		deps.Shots == nil || deps.Windows == nil || deps.Writer == nil || deps.Threads == nil || deps.Model == nil {
		return nil, fmt.Errorf("analysis: missing deps")
	}
	return &AnalysisStage{deps: deps, log: deps.Log.With("stage", "analysis")}, nil
}

func (s *AnalysisStage) Name() string { return "analysis" }

func (s *AnalysisStage) EarliestNextRun(ctx context.Context) (*time.Time, error) {
	return s.deps.Work.EarliestNextRun(ctx, nil, s.deps.Cfg.Retry.MaxAttempts)
}

func (s *AnalysisStage) RunCycle(ctx context.Context) error {
	if _, err := s.deps.Work.RecoverStale(ctx, nil, s.deps.Cfg.Scheduler.StaleRunningThreshold); err != nil {
		return fmt.Errorf("analysis: stale recovery: %w", err)
	}
	due, err := s.deps.Work.Due(ctx, nil, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Dispatch.MaxPerCycle)
	if err != nil {
		return fmt.Errorf("analysis: due query: %w", err)
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
			return s.processBatch(ctx, item.ID)
		},
	})
	return nil
}

func (s *AnalysisStage) processBatch(ctx context.Context, id uuid.UUID) error {
	claimed, err := s.deps.Work.Claim(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("analysis: claim %s: %w", id, err)
	}
	if !claimed {
		// Another worker won the row; benign.
		return nil
	}

	batch, err := s.deps.Batches.GetByID(ctx, nil, id)
	if err == nil && batch == nil {
		err = fmt.Errorf("analysis: batch %s vanished after claim", id)
	}
	if err != nil {
		_, _ = s.deps.Work.MarkFailed(ctx, nil, id, err, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		return err
	}

	if procErr := s.analyzeAndWrite(ctx, batch); procErr != nil {
		permanent, markErr := s.deps.Work.MarkFailed(ctx, nil, id, procErr, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		if markErr != nil {
			return markErr
		}
		if permanent {
			s.log.Error("Batch analysis failed permanently", "batch_id", id, "error", procErr)
		}
		return procErr
	}

	if err := s.deps.Work.MarkSucceeded(ctx, nil, id, nil); err != nil {
		return err
	}
	s.ensureWindow(ctx, batch)
	if s.deps.Notify != nil {
		s.deps.Notify.GraphChanged(batch.FromTs, batch.ToTs)
	}
	return nil
}

// batchAnalysisResult is the structured model output for one batch.
type batchAnalysisResult struct {
	Events []struct {
		Title             string            `json:"title"`
		Summary           string            `json:"summary"`
		Keywords          []string          `json:"keywords"`
		Entities          []types.EntityRef `json:"entities"`
		Importance        int               `json:"importance"`
		Confidence        int               `json:"confidence"`
		EventTime         string            `json:"event_time"`
		ScreenshotIndices []int             `json:"screenshot_indices"`
		Derived           []struct {
			Kind    string `json:"kind"`
			Title   string `json:"title"`
			Summary string `json:"summary"`
		} `json:"derived"`
	} `json:"events"`
	Assignments []threads.NodeAssignment `json:"assignments"`
	NewThreads  []threads.NewThread      `json:"new_threads"`
}

func (s *AnalysisStage) analyzeAndWrite(ctx context.Context, batch *types.AnalysisBatch) error {
	var screenshotIDs []uuid.UUID
	if len(batch.ScreenshotIDs) > 0 {
		if err := json.Unmarshal(batch.ScreenshotIDs, &screenshotIDs); err != nil {
			return fmt.Errorf("analysis: decode screenshot ids: %w", err)
		}
	}
	shots, err := s.deps.Shots.GetByIDs(ctx, nil, screenshotIDs)
	if err != nil {
		return err
	}
	if len(shots) == 0 {
		return fmt.Errorf("analysis: batch %s has no screenshots", batch.ID)
	}

	result, err := s.invokeModel(ctx, batch, shots)
	if err != nil {
		return err
	}
	if len(result.Events) == 0 {
		return fmt.Errorf("analysis: model returned no events for batch %s", batch.ID)
	}

	nodeIDs := make([]uuid.UUID, 0, len(result.Events))
	for i, ev := range result.Events {
		eventTime := s.parseEventTime(ev.EventTime, batch)
		nodeID, err := s.deps.Writer.CreateNode(ctx, graph.NodeInput{
			Kind:       types.NodeKindEvent,
			OriginKey:  originKey(batch.ID, "event", i),
			Title:      ev.Title,
			Summary:    ev.Summary,
			Keywords:   ev.Keywords,
			Entities:   ev.Entities,
			Importance: ev.Importance,
			Confidence: ev.Confidence,
			EventTime:  &eventTime,
		})
		if err != nil {
			return err
		}
		nodeIDs = append(nodeIDs, nodeID)

		for _, si := range ev.ScreenshotIndices {
			if si < 0 || si >= len(shots) {
				continue
			}
			if err := s.deps.Writer.LinkScreenshot(ctx, nodeID, shots[si].ID); err != nil {
				return err
			}
		}
		for j, d := range ev.Derived {
			if _, err := s.deps.Writer.CreateNode(ctx, graph.NodeInput{
				Kind:          d.Kind,
				OriginKey:     originKey(batch.ID, "event", i, d.Kind, j),
				SourceEventID: nodeID,
				Title:         d.Title,
				Summary:       d.Summary,
			}); err != nil {
				return err
			}
		}
	}

	_, err = s.deps.Threads.ApplyAssignment(ctx, threads.Assignment{
		BatchID:     batch.ID,
		NodeIDs:     nodeIDs,
		Assignments: result.Assignments,
		NewThreads:  result.NewThreads,
	})
	return err
}

const analysisSystemPrompt = `You analyze batches of desktop screenshots into activity events.
Group screenshots into coherent events, extract entities (apps, projects, people, topics),
derive knowledge/state/procedure/plan items where warranted, and assign every event to an
activity thread: an existing thread id from the provided list, or the literal "NEW" together
with a new-thread grouping.`

func (s *AnalysisStage) invokeModel(ctx context.Context, batch *types.AnalysisBatch, shots []*types.Screenshot) (*batchAnalysisResult, error) {
	lines := make([]map[string]any, 0, len(shots))
	for i, shot := range shots {
		lines = append(lines, map[string]any{
			"index":        i,
			"captured_at":  shot.CapturedAt.Format(time.RFC3339),
			"app_name":     shot.AppName,
			"window_title": shot.WindowTitle,
		})
	}
	user, _ := json.Marshal(map[string]any{
		"batch_id":    batch.ID,
		"from":        batch.FromTs.Format(time.RFC3339),
		"to":          batch.ToTs.Format(time.RFC3339),
		"screenshots": lines,
	})

	raw, err := s.deps.Model.GenerateJSON(ctx, analysisSystemPrompt, string(user), "batch_analysis", batchAnalysisSchema)
	if err != nil {
		return nil, err
	}
	return decodeResult[batchAnalysisResult](raw)
}

func (s *AnalysisStage) parseEventTime(v string, batch *types.AnalysisBatch) time.Time {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return batch.FromTs
}

// ensureWindow makes sure the hour containing this batch has a summary
// window row; the span is unique so concurrent batches collapse to one.
func (s *AnalysisStage) ensureWindow(ctx context.Context, batch *types.AnalysisBatch) {
	start := batch.FromTs.Truncate(time.Hour)
	window := &types.SummaryWindow{
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
	}
	if err := s.deps.Windows.Ensure(ctx, nil, window); err != nil {
		s.log.Warn("Failed to ensure summary window", "batch_id", batch.ID, "error", err)
	}
}

func originKey(batchID uuid.UUID, parts ...any) string {
	h := sha256.New()
	h.Write([]byte(batchID.String()))
	for _, p := range parts {
		h.Write([]byte(":"))
		switch v := p.(type) {
		case string:
			h.Write([]byte(v))
		case int:
			h.Write([]byte(strconv.Itoa(v)))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// decodeResult round-trips the schema-validated map into a typed struct.
func decodeResult[T any](raw map[string]any) (*T, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("stages: decode model result: %w", err)
	}
	return &out, nil
}

var batchAnalysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"events": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":    map[string]any{"type": "string"},
					"summary":  map[string]any{"type": "string"},
					"keywords": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"entities": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name": map[string]any{"type": "string"},
								"type": map[string]any{"type": "string"},
							},
							"required": []string{"name"},
						},
					},
					"importance":         map[string]any{"type": "integer"},
					"confidence":         map[string]any{"type": "integer"},
					"event_time":         map[string]any{"type": "string"},
					"screenshot_indices": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
					"derived": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"kind":    map[string]any{"type": "string"},
								"title":   map[string]any{"type": "string"},
								"summary": map[string]any{"type": "string"},
							},
							"required": []string{"kind", "title"},
						},
					},
				},
				"required": []string{"title", "event_time"},
			},
		},
		"assignments": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"node_index": map[string]any{"type": "integer"},
					"thread_id":  map[string]any{"type": "string"},
				},
				"required": []string{"node_index", "thread_id"},
			},
		},
		"new_threads": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":        map[string]any{"type": "string"},
					"summary":      map[string]any{"type": "string"},
					"node_indices": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
				},
				"required": []string{"title", "node_indices"},
			},
		},
	},
	"required": []string{"events", "assignments"},
}
