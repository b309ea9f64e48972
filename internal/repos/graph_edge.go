package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type GraphEdgeRepo interface {
	// Create inserts an edge; the (from, to, type) triple is unique and
	// conflicts are dropped, so edge writes are replay-safe.
	Create(ctx context.Context, tx *gorm.DB, fromNodeID, toNodeID uuid.UUID, edgeType string) error
	ListFrom(ctx context.Context, tx *gorm.DB, fromNodeID uuid.UUID) ([]*types.GraphEdge, error)
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
}

type graphEdgeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGraphEdgeRepo(db *gorm.DB, baseLog *logger.Logger) GraphEdgeRepo {
	return &graphEdgeRepo{db: db, log: baseLog.With("repo", "GraphEdgeRepo")}
}

func (r *graphEdgeRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *graphEdgeRepo) Create(ctx context.Context, tx *gorm.DB, fromNodeID, toNodeID uuid.UUID, edgeType string) error {
	edge := &types.GraphEdge{
		ID:         uuid.New(),
		FromNodeID: fromNodeID,
		ToNodeID:   toNodeID,
		EdgeType:   edgeType,
		CreatedAt:  time.Now(),
	}
	return r.conn(tx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_node_id"}, {Name: "to_node_id"}, {Name: "edge_type"}},
		DoNothing: true,
	}).Create(edge).Error
}

func (r *graphEdgeRepo) ListFrom(ctx context.Context, tx *gorm.DB, fromNodeID uuid.UUID) ([]*types.GraphEdge, error) {
	var edges []*types.GraphEdge
	err := r.conn(tx).WithContext(ctx).
		Where("from_node_id = ?", fromNodeID).
		Order("created_at ASC").
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func (r *graphEdgeRepo) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&types.GraphEdge{}).Count(&n).Error
	return n, err
}
