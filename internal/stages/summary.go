package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/dispatch"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/scheduler"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type SummaryDeps struct {
	DB      *gorm.DB
	Log     *logger.Logger
	Work    repos.WorkRecordRepo
	Windows repos.SummaryWindowRepo
	Batches repos.AnalysisBatchRepo
	Nodes   repos.GraphNodeRepo
	Model   *ModelCaller
	Cfg     config.StageConfig
}

// SummaryStage condenses each time window's event nodes into a titled
// summary. A window whose underlying batches are still being analyzed is not
// failed but handed back with an adaptive delay, so waiting never consumes
// the retry budget.
type SummaryStage struct {
	deps SummaryDeps
	log  *logger.Logger
}

func NewSummaryStage(deps SummaryDeps) (*SummaryStage, error) {
	if deps.DB == nil || deps.Log == nil || deps.Work == nil || deps.Windows == nil ||
		deps.Batches == nil || deps.Nodes == nil || deps.Model == nil {
		return nil, fmt.Errorf("summary: missing deps")
	}
	return &SummaryStage{deps: deps, log: deps.Log.With("stage", "summary")}, nil
}

func (s *SummaryStage) Name() string { return "summary" }

func (s *SummaryStage) EarliestNextRun(ctx context.Context) (*time.Time, error) {
	return s.deps.Work.EarliestNextRun(ctx, nil, s.deps.Cfg.Retry.MaxAttempts)
}

func (s *SummaryStage) RunCycle(ctx context.Context) error {
	if _, err := s.deps.Work.RecoverStale(ctx, nil, s.deps.Cfg.Scheduler.StaleRunningThreshold); err != nil {
		return fmt.Errorf("summary: stale recovery: %w", err)
	}
	due, err := s.deps.Work.Due(ctx, nil, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Dispatch.MaxPerCycle)
	if err != nil {
		return fmt.Errorf("summary: due query: %w", err)
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
			return s.processWindow(ctx, item.ID)
		},
	})
	return nil
}

func (s *SummaryStage) processWindow(ctx context.Context, id uuid.UUID) error {
	claimed, err := s.deps.Work.Claim(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("summary: claim %s: %w", id, err)
	}
	if !claimed {
		return nil
	}

	window, err := s.deps.Windows.GetByID(ctx, nil, id)
	if err == nil && window == nil {
		err = fmt.Errorf("summary: window %s vanished after claim", id)
	}
	if err != nil {
		_, _ = s.deps.Work.MarkFailed(ctx, nil, id, err, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		return err
	}

	total, unfinished, err := s.deps.Batches.CountsOverlapping(ctx, nil, window.WindowStart, window.WindowEnd)
	if err != nil {
		_, _ = s.deps.Work.MarkFailed(ctx, nil, id, err, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		return err
	}
	if unfinished > 0 {
		ratio := float64(unfinished) / float64(total)
		delay := scheduler.ProcessingDelay(ratio, s.deps.Cfg.Retry.ProcessingMinDelay, s.deps.Cfg.Retry.ProcessingMaxDelay, s.deps.Cfg.Retry.Jitter)
		s.log.Debug("Window not ready, rescheduling", "window_id", id, "unfinished", unfinished, "total", total, "delay", delay)
		return s.deps.Work.Reschedule(ctx, nil, id, delay, fmt.Sprintf("waiting on %d/%d batches", unfinished, total))
	}

	if procErr := s.summarize(ctx, window); procErr != nil {
		permanent, markErr := s.deps.Work.MarkFailed(ctx, nil, id, procErr, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		if markErr != nil {
			return markErr
		}
		if permanent {
			s.log.Error("Window summary failed permanently", "window_id", id, "error", procErr)
		}
		return procErr
	}
	return nil
}

type windowSummaryResult struct {
	Title   string         `json:"title"`
	Summary string         `json:"summary"`
	Stats   map[string]any `json:"stats"`
}

const summarySystemPrompt = `You write a concise summary of one time window of desktop activity.
Produce a short title, a few-sentence narrative summary, and a stats object
(app/topic tallies) from the event list.`

func (s *SummaryStage) summarize(ctx context.Context, window *types.SummaryWindow) error {
	events, err := s.deps.Nodes.EventsInRange(ctx, nil, window.WindowStart, window.WindowEnd, 200)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		// An empty window is complete, not broken.
		return s.deps.Work.MarkSucceeded(ctx, nil, window.ID, map[string]any{
			"title":   "",
			"summary": "",
		})
	}

	lines := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		line := map[string]any{"title": ev.Title, "summary": ev.Summary}
		if ev.EventTime != nil {
			line["event_time"] = ev.EventTime.Format(time.RFC3339)
		}
		lines = append(lines, line)
	}
	user, _ := json.Marshal(map[string]any{
		"window_start": window.WindowStart.Format(time.RFC3339),
		"window_end":   window.WindowEnd.Format(time.RFC3339),
		"events":       lines,
	})

	raw, err := s.deps.Model.GenerateJSON(ctx, summarySystemPrompt, string(user), "window_summary", windowSummarySchema)
	if err != nil {
		return err
	}
	result, err := decodeResult[windowSummaryResult](raw)
	if err != nil {
		return err
	}

	extra := map[string]any{
		"title":   result.Title,
		"summary": result.Summary,
	}
	if result.Stats != nil {
		if buf, err := json.Marshal(result.Stats); err == nil {
			extra["stats"] = datatypes.JSON(buf)
		}
	}
	return s.deps.Work.MarkSucceeded(ctx, nil, window.ID, extra)
}

var windowSummarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":   map[string]any{"type": "string"},
		"summary": map[string]any{"type": "string"},
		"stats":   map[string]any{"type": "object"},
	},
	"required": []string{"title", "summary"},
}
