package threads

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/config"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/repos"
	"github.com/mbaxszy7/mnemora/internal/types"
)

// Repository assigns batch nodes to continuity threads and keeps thread
// aggregates consistent with the authoritative event rows.
type Repository struct {
	db      *gorm.DB
	log     *logger.Logger
	cfg     config.ThreadsConfig
	threads repos.ThreadRepo
	nodes   repos.GraphNodeRepo
	edges   repos.GraphEdgeRepo
}

func NewRepository(db *gorm.DB, baseLog *logger.Logger, cfg config.ThreadsConfig, threads repos.ThreadRepo, nodes repos.GraphNodeRepo, edges repos.GraphEdgeRepo) *Repository {
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = 10 * time.Minute
	}
	if cfg.SnapshotNodeCount <= 0 {
		cfg.SnapshotNodeCount = 20
	}
	return &Repository{
		db:      db,
		log:     baseLog.With("component", "ThreadRepository"),
		cfg:     cfg,
		threads: threads,
		nodes:   nodes,
		edges:   edges,
	}
}

// ApplyAssignment validates the whole proposal, then applies it in one
// transaction: create-or-reuse new threads by origin key, link nodes
// insert-only, chain event_next edges, recompute aggregates, and finally
// apply metadata updates. Every step tolerates replay, so re-running the
// same assignment after a crash converges to identical store state.
func (r *Repository) ApplyAssignment(ctx context.Context, a Assignment) ([]uuid.UUID, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}

	// Existing-thread references must resolve before any write.
	var existingRefs []uuid.UUID
	for _, asg := range a.Assignments {
		if asg.ThreadID == AssignmentNew {
			continue
		}
		id, _ := uuid.Parse(asg.ThreadID)
		existingRefs = append(existingRefs, id)
	}
	known, err := r.threads.ExistingIDs(ctx, nil, existingRefs)
	if err != nil {
		return nil, err
	}
	for _, id := range existingRefs {
		if !known[id] {
			return nil, invalidf("assignment references unknown thread %s", id)
		}
	}

	groupByIndex := make(map[int]int)
	for gi, group := range a.NewThreads {
		for _, idx := range group.NodeIndices {
			groupByIndex[idx] = gi
		}
	}

	touched := map[uuid.UUID]bool{}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Resolve each new-thread grouping to a persistent thread id.
		groupThreadIDs := make([]uuid.UUID, len(a.NewThreads))
		for gi, group := range a.NewThreads {
			fresh := &types.Thread{
				OriginKey: originKeyFor(a.BatchID, group.NodeIndices),
				Title:     group.Title,
				Summary:   group.Summary,
			}
			thread, created, err := r.threads.FindOrCreate(ctx, tx, fresh)
			if err != nil {
				return err
			}
			if !created {
				r.log.Debug("Reusing thread for replayed batch", "thread_id", thread.ID, "batch_id", a.BatchID)
			}
			groupThreadIDs[gi] = thread.ID
		}

		for _, asg := range a.Assignments {
			nodeID := a.NodeIDs[asg.NodeIndex]
			var threadID uuid.UUID
			if asg.ThreadID == AssignmentNew {
				threadID = groupThreadIDs[groupByIndex[asg.NodeIndex]]
			} else {
				threadID, _ = uuid.Parse(asg.ThreadID)
			}
			assigned, err := r.nodes.AssignThread(ctx, tx, nodeID, threadID)
			if err != nil {
				return err
			}
			touched[threadID] = true
			if !assigned {
				// Already linked by a prior apply; leave it untouched.
				continue
			}
			if err := r.chainEventEdge(ctx, tx, nodeID, threadID); err != nil {
				return err
			}
		}

		for threadID := range touched {
			if err := r.recomputeAggregates(ctx, tx, threadID); err != nil {
				return err
			}
		}

		for _, upd := range a.ThreadUpdates {
			if !touched[upd.ThreadID] && !known[upd.ThreadID] {
				continue
			}
			updates := map[string]any{}
			if upd.Title != "" {
				updates["title"] = upd.Title
			}
			if upd.Summary != "" {
				updates["summary"] = upd.Summary
			}
			if len(upd.Milestones) > 0 {
				raw, _ := json.Marshal(upd.Milestones)
				updates["milestones"] = datatypes.JSON(raw)
			}
			if len(updates) == 0 {
				continue
			}
			if err := r.threads.UpdateFields(ctx, tx, upd.ThreadID, updates); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]uuid.UUID, 0, len(touched))
	for id := range touched {
		out = append(out, id)
	}
	return out, nil
}

// chainEventEdge links a freshly assigned event node to its chronological
// predecessor in the thread. The edge triple is unique, so replays are
// no-ops.
func (r *Repository) chainEventEdge(ctx context.Context, tx *gorm.DB, nodeID, threadID uuid.UUID) error {
	node, err := r.nodes.GetByID(ctx, tx, nodeID)
	if err != nil {
		return err
	}
	if node == nil || node.Kind != types.NodeKindEvent || node.EventTime == nil {
		return nil
	}
	prev, err := r.nodes.LatestEventBefore(ctx, tx, threadID, *node.EventTime, nodeID)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	return r.edges.Create(ctx, tx, prev.ID, nodeID, types.EdgeEventNext)
}

// recomputeAggregates refreshes a thread from two sources with different
// consistency requirements: timing fields come from the complete ascending
// event-time list (accuracy-critical), while apps/keyEntities/mainProject
// come from only the most recent N nodes (bounded cost, staleness
// acceptable).
func (r *Repository) recomputeAggregates(ctx context.Context, tx *gorm.DB, threadID uuid.UUID) error {
	times, err := r.nodes.EventTimes(ctx, tx, threadID)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"node_count":  len(times),
		"duration_ms": ComputeDurationMs(times, r.cfg.GapThreshold),
	}
	if len(times) > 0 {
		updates["start_time"] = times[0]
		updates["last_active_at"] = times[len(times)-1]
	}

	recent, err := r.nodes.RecentByThread(ctx, tx, threadID, r.cfg.SnapshotNodeCount)
	if err != nil {
		return err
	}
	apps, keyEntities, mainProject := snapshotFromNodes(recent)
	if len(apps) > 0 {
		raw, _ := json.Marshal(apps)
		updates["apps"] = datatypes.JSON(raw)
	}
	if len(keyEntities) > 0 {
		raw, _ := json.Marshal(keyEntities)
		updates["key_entities"] = datatypes.JSON(raw)
	}
	if mainProject != "" {
		updates["main_project"] = mainProject
	}

	return r.threads.UpdateFields(ctx, tx, threadID, updates)
}

// MarkInactive sweeps active threads whose last activity predates the
// configured inactivity threshold.
func (r *Repository) MarkInactive(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.cfg.InactiveAfter)
	return r.threads.MarkInactiveBefore(ctx, nil, cutoff)
}

// snapshotFromNodes derives the weak-consistency thread facets from a bounded
// recent-node window: app entities become the app set, project entities vote
// for mainProject, and the most frequent remaining entities become
// keyEntities.
func snapshotFromNodes(nodes []*types.GraphNode) (apps []string, keyEntities []string, mainProject string) {
	appSet := map[string]bool{}
	projectVotes := map[string]int{}
	entityVotes := map[string]int{}
	entityOrder := []string{}

	for _, node := range nodes {
		if node == nil || len(node.Entities) == 0 {
			continue
		}
		var refs []types.EntityRef
		if err := json.Unmarshal(node.Entities, &refs); err != nil {
			continue
		}
		for _, ref := range refs {
			if ref.Name == "" {
				continue
			}
			switch ref.Type {
			case "app":
				if !appSet[ref.Name] {
					appSet[ref.Name] = true
					apps = append(apps, ref.Name)
				}
			case "project":
				projectVotes[ref.Name]++
			default:
				if entityVotes[ref.Name] == 0 {
					entityOrder = append(entityOrder, ref.Name)
				}
				entityVotes[ref.Name]++
			}
		}
	}

	best := 0
	for name, votes := range projectVotes {
		if votes > best || (votes == best && name < mainProject) {
			best = votes
			mainProject = name
		}
	}

	// Most frequent first; first-seen order breaks ties. Capped.
	const maxKeyEntities = 10
	sort.SliceStable(entityOrder, func(i, j int) bool {
		return entityVotes[entityOrder[i]] > entityVotes[entityOrder[j]]
	})
	for _, name := range entityOrder {
		keyEntities = append(keyEntities, name)
		if len(keyEntities) >= maxKeyEntities {
			break
		}
	}
	return apps, keyEntities, mainProject
}
