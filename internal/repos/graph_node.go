package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type GraphNodeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, node *types.GraphNode) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GraphNode, error)
	GetByOriginKey(ctx context.Context, tx *gorm.DB, originKey string) (*types.GraphNode, error)
	// LatestEventBefore finds the chronologically closest earlier event in a
	// thread, used to chain event_next edges.
	LatestEventBefore(ctx context.Context, tx *gorm.DB, threadID uuid.UUID, before time.Time, excludeID uuid.UUID) (*types.GraphNode, error)
	// AssignThread links a node to a thread insert-only: the update applies
	// only while thread_id is still null, so replays cannot clobber an
	// already-assigned node. Returns whether this call did the assignment.
	AssignThread(ctx context.Context, tx *gorm.DB, nodeID, threadID uuid.UUID) (bool, error)
	// EventsInRange returns event nodes whose eventTime falls in [from, to),
	// ascending, capped at limit.
	EventsInRange(ctx context.Context, tx *gorm.DB, from, to time.Time, limit int) ([]*types.GraphNode, error)
	// EventTimes returns the complete ascending event-time list for a thread.
	EventTimes(ctx context.Context, tx *gorm.DB, threadID uuid.UUID) ([]time.Time, error)
	// RecentByThread returns the latest limit nodes of a thread, newest first.
	RecentByThread(ctx context.Context, tx *gorm.DB, threadID uuid.UUID, limit int) ([]*types.GraphNode, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error
	// AnyEmbedding returns one stored embedding blob, used to auto-detect the
	// index dimension. nil when no node has been embedded yet.
	AnyEmbedding(ctx context.Context, tx *gorm.DB) ([]byte, error)
	// ResetIndexed flips every embedding-succeeded node back to pending so a
	// lost or rebuilt index gets re-materialized from the store. Running rows
	// are included: a worker mid-flight against the discarded index must not
	// get to mark its row succeeded, or the fresh index would silently lack
	// that node.
	ResetIndexed(ctx context.Context, tx *gorm.DB) (int64, error)
}

type graphNodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGraphNodeRepo(db *gorm.DB, baseLog *logger.Logger) GraphNodeRepo {
	return &graphNodeRepo{db: db, log: baseLog.With("repo", "GraphNodeRepo")}
}

func (r *graphNodeRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *graphNodeRepo) Create(ctx context.Context, tx *gorm.DB, node *types.GraphNode) error {
	if node == nil {
		return errors.New("nil node")
	}
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	return r.conn(tx).WithContext(ctx).Create(node).Error
}

func (r *graphNodeRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GraphNode, error) {
	var node types.GraphNode
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).Limit(1).Find(&node).Error
	if err != nil {
		return nil, err
	}
	if node.ID == uuid.Nil {
		return nil, nil
	}
	return &node, nil
}

func (r *graphNodeRepo) GetByOriginKey(ctx context.Context, tx *gorm.DB, originKey string) (*types.GraphNode, error) {
	if originKey == "" {
		return nil, nil
	}
	var node types.GraphNode
	err := r.conn(tx).WithContext(ctx).Where("origin_key = ?", originKey).Limit(1).Find(&node).Error
	if err != nil {
		return nil, err
	}
	if node.ID == uuid.Nil {
		return nil, nil
	}
	return &node, nil
}

func (r *graphNodeRepo) LatestEventBefore(ctx context.Context, tx *gorm.DB, threadID uuid.UUID, before time.Time, excludeID uuid.UUID) (*types.GraphNode, error) {
	var node types.GraphNode
	err := r.conn(tx).WithContext(ctx).
		Where("kind = ? AND thread_id = ? AND event_time IS NOT NULL AND event_time <= ? AND id <> ?",
			types.NodeKindEvent, threadID, before, excludeID).
		Order("event_time DESC").
		Limit(1).
		Find(&node).Error
	if err != nil {
		return nil, err
	}
	if node.ID == uuid.Nil {
		return nil, nil
	}
	return &node, nil
}

func (r *graphNodeRepo) AssignThread(ctx context.Context, tx *gorm.DB, nodeID, threadID uuid.UUID) (bool, error) {
	res := r.conn(tx).WithContext(ctx).Model(&types.GraphNode{}).
		Where("id = ? AND thread_id IS NULL", nodeID).
		Updates(map[string]any{
			"thread_id":  threadID,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *graphNodeRepo) EventsInRange(ctx context.Context, tx *gorm.DB, from, to time.Time, limit int) ([]*types.GraphNode, error) {
	if limit <= 0 {
		limit = 200
	}
	var nodes []*types.GraphNode
	err := r.conn(tx).WithContext(ctx).
		Where("kind = ? AND event_time IS NOT NULL AND event_time >= ? AND event_time < ?",
			types.NodeKindEvent, from, to).
		Order("event_time ASC").
		Limit(limit).
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *graphNodeRepo) EventTimes(ctx context.Context, tx *gorm.DB, threadID uuid.UUID) ([]time.Time, error) {
	var times []time.Time
	err := r.conn(tx).WithContext(ctx).Model(&types.GraphNode{}).
		Where("kind = ? AND thread_id = ? AND event_time IS NOT NULL", types.NodeKindEvent, threadID).
		Order("event_time ASC").
		Pluck("event_time", &times).Error
	if err != nil {
		return nil, err
	}
	return times, nil
}

func (r *graphNodeRepo) RecentByThread(ctx context.Context, tx *gorm.DB, threadID uuid.UUID, limit int) ([]*types.GraphNode, error) {
	if limit <= 0 {
		limit = 20
	}
	var nodes []*types.GraphNode
	err := r.conn(tx).WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("COALESCE(event_time, created_at) DESC").
		Limit(limit).
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *graphNodeRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(tx).WithContext(ctx).Model(&types.GraphNode{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *graphNodeRepo) AnyEmbedding(ctx context.Context, tx *gorm.DB) ([]byte, error) {
	var blobs [][]byte
	err := r.conn(tx).WithContext(ctx).Model(&types.GraphNode{}).
		Where("embedding IS NOT NULL AND length(embedding) > 0").
		Limit(1).
		Pluck("embedding", &blobs).Error
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, nil
	}
	return blobs[0], nil
}

func (r *graphNodeRepo) ResetIndexed(ctx context.Context, tx *gorm.DB) (int64, error) {
	res := r.conn(tx).WithContext(ctx).Model(&types.GraphNode{}).
		Where("embedding_status IN ?", []string{types.WorkStatusSucceeded, types.WorkStatusRunning}).
		Updates(map[string]any{
			"embedding_status":      types.WorkStatusPending,
			"embedding_attempts":    0,
			"embedding_next_run_at": nil,
			"embedding_claimed_at":  nil,
			"updated_at":            time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
