package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/dispatch"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type DetailDeps struct {
	DB      *gorm.DB
	Log     *logger.Logger
	Work    repos.WorkRecordRepo
	Nodes   repos.GraphNodeRepo
	Shots   repos.ScreenshotRepo
	Windows repos.SummaryWindowRepo
	Model   *ModelCaller
	Cfg     config.StageConfig
}

// DetailStage expands event nodes with a longer narrative detail. It yields
// to the summary stage: while any summary window is outstanding no detail
// work is dispatched, which keeps the cheaper window summaries from starving
// behind a backlog of per-event model calls.
type DetailStage struct {
	deps DetailDeps
	log  *logger.Logger
}

func NewDetailStage(deps DetailDeps) (*DetailStage, error) {
	if deps.DB == nil || deps.Log == nil || deps.Work == nil || deps.Nodes == nil ||
		deps.Windows == nil || deps.Model == nil {
		return nil, fmt.Errorf("detail: missing deps")
	}
	return &DetailStage{deps: deps, log: deps.Log.With("stage", "detail")}, nil
}

func (s *DetailStage) Name() string { return "detail" }

func (s *DetailStage) EarliestNextRun(ctx context.Context) (*time.Time, error) {
	return s.deps.Work.EarliestNextRun(ctx, nil, s.deps.Cfg.Retry.MaxAttempts)
}

func (s *DetailStage) RunCycle(ctx context.Context) error {
	// Stale rows are recovered even on yielded cycles; dispatch is what is
	// deferred, not hygiene.
	if _, err := s.deps.Work.RecoverStale(ctx, nil, s.deps.Cfg.Scheduler.StaleRunningThreshold); err != nil {
		return fmt.Errorf("detail: stale recovery: %w", err)
	}
	outstanding, err := s.deps.Windows.CountOutstanding(ctx, nil)
	if err != nil {
		return fmt.Errorf("detail: outstanding windows: %w", err)
	}
	if outstanding > 0 {
		s.log.Debug("Yielding to summary stage", "outstanding_windows", outstanding)
		return nil
	}
	due, err := s.deps.Work.Due(ctx, nil, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Dispatch.MaxPerCycle)
	if err != nil {
		return fmt.Errorf("detail: due query: %w", err)
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

func (s *DetailStage) processNode(ctx context.Context, id uuid.UUID) error {
	claimed, err := s.deps.Work.Claim(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("detail: claim %s: %w", id, err)
	}
	if !claimed {
		return nil
	}

	node, err := s.deps.Nodes.GetByID(ctx, nil, id)
	if err == nil && node == nil {
		err = fmt.Errorf("detail: node %s vanished after claim", id)
	}
	if err != nil {
		_, _ = s.deps.Work.MarkFailed(ctx, nil, id, err, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		return err
	}

	detail, procErr := s.expand(ctx, node)
	if procErr != nil {
		permanent, markErr := s.deps.Work.MarkFailed(ctx, nil, id, procErr, s.deps.Cfg.Retry.MaxAttempts, s.deps.Cfg.Retry.RetryDelay)
		if markErr != nil {
			return markErr
		}
		if permanent {
			s.log.Error("Event detail failed permanently", "node_id", id, "error", procErr)
		}
		return procErr
	}
	return s.deps.Work.MarkSucceeded(ctx, nil, id, map[string]any{"detail": detail})
}

type eventDetailResult struct {
	Detail string `json:"detail"`
}

const detailSystemPrompt = `You expand one desktop activity event into a detailed narrative.
Cover what was being done, with which applications and artifacts, and any
apparent outcome. Be factual; do not invent specifics absent from the input.`

func (s *DetailStage) expand(ctx context.Context, node *types.GraphNode) (string, error) {
	payload := map[string]any{
		"title":   node.Title,
		"summary": node.Summary,
	}
	if node.EventTime != nil {
		payload["event_time"] = node.EventTime.Format(time.RFC3339)
	}
	if len(node.Keywords) > 0 {
		payload["keywords"] = json.RawMessage(node.Keywords)
	}
	if len(node.Entities) > 0 {
		payload["entities"] = json.RawMessage(node.Entities)
	}
	if s.deps.Shots != nil {
		if n, err := s.deps.Shots.CountLinks(ctx, nil, node.ID); err == nil {
			payload["screenshot_count"] = n
		}
	}
	user, _ := json.Marshal(payload)

	raw, err := s.deps.Model.GenerateJSON(ctx, detailSystemPrompt, string(user), "event_detail", eventDetailSchema)
	if err != nil {
		return "", err
	}
	result, err := decodeResult[eventDetailResult](raw)
	if err != nil {
		return "", err
	}
	if result.Detail == "" {
		return "", fmt.Errorf("detail: model returned empty detail for node %s", node.ID)
	}
	return result.Detail, nil
}

var eventDetailSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"detail": map[string]any{"type": "string"},
	},
	"required": []string{"detail"},
}
