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

type AnalysisBatchRepo interface {
	Create(ctx context.Context, tx *gorm.DB, batch *types.AnalysisBatch) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.AnalysisBatch, error)
	// CountsOverlapping reports how many batches intersect [from, to) and how
	// many of those are still short of a terminal state. The summary stage
	// derives its adaptive reschedule delay from the ratio.
	CountsOverlapping(ctx context.Context, tx *gorm.DB, from, to time.Time) (total int64, unfinished int64, err error)
}

type analysisBatchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAnalysisBatchRepo(db *gorm.DB, baseLog *logger.Logger) AnalysisBatchRepo {
	return &analysisBatchRepo{db: db, log: baseLog.With("repo", "AnalysisBatchRepo")}
}

func (r *analysisBatchRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *analysisBatchRepo) Create(ctx context.Context, tx *gorm.DB, batch *types.AnalysisBatch) error {
	if batch == nil {
		return errors.New("nil batch")
	}
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = types.WorkStatusPending
	}
	now := time.Now()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	return r.conn(tx).WithContext(ctx).Create(batch).Error
}

func (r *analysisBatchRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.AnalysisBatch, error) {
	var batch types.AnalysisBatch
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).Limit(1).Find(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == uuid.Nil {
		return nil, nil
	}
	return &batch, nil
}

func (r *analysisBatchRepo) CountsOverlapping(ctx context.Context, tx *gorm.DB, from, to time.Time) (int64, int64, error) {
	conn := r.conn(tx).WithContext(ctx)
	overlap := conn.Model(&types.AnalysisBatch{}).
		Where("from_ts < ? AND to_ts > ?", to, from)

	var total int64
	if err := overlap.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	var unfinished int64
	err := overlap.Session(&gorm.Session{}).
		Where("status NOT IN ?", []string{types.WorkStatusSucceeded, types.WorkStatusFailedPermanent}).
		Count(&unfinished).Error
	if err != nil {
		return 0, 0, err
	}
	return total, unfinished, nil
}
