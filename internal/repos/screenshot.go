package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type ScreenshotRepo interface {
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Screenshot, error)
	// LinkNode records evidence provenance; conflict-do-nothing on the pair.
	LinkNode(ctx context.Context, tx *gorm.DB, nodeID, screenshotID uuid.UUID) error
	CountLinks(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) (int64, error)
}

type screenshotRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScreenshotRepo(db *gorm.DB, baseLog *logger.Logger) ScreenshotRepo {
	return &screenshotRepo{db: db, log: baseLog.With("repo", "ScreenshotRepo")}
}

func (r *screenshotRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *screenshotRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Screenshot, error) {
	var out []*types.Screenshot
	if len(ids) == 0 {
		return out, nil
	}
	err := r.conn(tx).WithContext(ctx).
		Where("id IN ?", ids).
		Order("captured_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *screenshotRepo) LinkNode(ctx context.Context, tx *gorm.DB, nodeID, screenshotID uuid.UUID) error {
	link := &types.NodeScreenshot{
		NodeID:       nodeID,
		ScreenshotID: screenshotID,
	}
	return r.conn(tx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "screenshot_id"}},
		DoNothing: true,
	}).Create(link).Error
}

func (r *screenshotRepo) CountLinks(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&types.NodeScreenshot{}).
		Where("node_id = ?", nodeID).
		Count(&n).Error
	return n, err
}
