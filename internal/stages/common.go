package stages

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbaxszy7/mnemora/internal/clients"
	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/dispatch"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/types"
)

// Stage work-record targets. Analysis and summary own whole tables; detail
// and embedding live as prefixed substatus column sets on graph_node.
var (
	AnalysisTarget  = repos.WorkTarget{Table: "analysis_batch"}
	SummaryTarget   = repos.WorkTarget{Table: "summary_window"}
	DetailTarget    = repos.WorkTarget{Table: "graph_node", Prefix: "detail_", Scope: "kind = 'event'"}
	EmbeddingTarget = repos.WorkTarget{Table: "graph_node", Prefix: "embedding_"}
)

// ModelCaller wraps the model client with the two pipeline-wide resource
// policies: a global concurrency cap and a per-call timeout. A timeout is a
// normal failure for retry accounting, which is why the deadline lives here
// and not inside the client.
type ModelCaller struct {
	model   clients.Model
	log     *logger.Logger
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewModelCaller(model clients.Model, cfg config.ModelConfig, baseLog *logger.Logger) *ModelCaller {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &ModelCaller{
		model:   model,
		log:     baseLog.With("component", "ModelCaller"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		timeout: cfg.Timeout,
	}
}

func (m *ModelCaller) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.model.GenerateJSON(callCtx, system, user, schemaName, schema)
}

func (m *ModelCaller) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.model.Embed(callCtx, inputs)
}

// splitLanes sorts due items into the fairness lanes: never-attempted
// pending rows are realtime, everything else is recovery.
func splitLanes(items []repos.DueItem) dispatch.Lanes[repos.DueItem] {
	var lanes dispatch.Lanes[repos.DueItem]
	for _, item := range items {
		if item.Attempts == 0 && item.Status == types.WorkStatusPending {
			lanes.Realtime = append(lanes.Realtime, item)
		} else {
			lanes.Recovery = append(lanes.Recovery, item)
		}
	}
	return lanes
}
