package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type SummaryWindowRepo interface {
	// Ensure creates the window row if it does not exist yet; the span is
	// unique so repeated enqueues of the same window collapse to one row.
	Ensure(ctx context.Context, tx *gorm.DB, window *types.SummaryWindow) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SummaryWindow, error)
	// CountOutstanding reports windows that are not yet terminal. The detail
	// stage uses it to hold back its backlog while summaries are pending.
	CountOutstanding(ctx context.Context, tx *gorm.DB) (int64, error)
}

type summaryWindowRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryWindowRepo(db *gorm.DB, baseLog *logger.Logger) SummaryWindowRepo {
	return &summaryWindowRepo{db: db, log: baseLog.With("repo", "SummaryWindowRepo")}
}

func (r *summaryWindowRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *summaryWindowRepo) Ensure(ctx context.Context, tx *gorm.DB, window *types.SummaryWindow) error {
	if window == nil {
		return errors.New("nil window")
	}
	if window.ID == uuid.Nil {
		window.ID = uuid.New()
	}
	if window.Status == "" {
		window.Status = types.WorkStatusPending
	}
	now := time.Now()
	if window.CreatedAt.IsZero() {
		window.CreatedAt = now
	}
	window.UpdatedAt = now
	return r.conn(tx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "window_start"}, {Name: "window_end"}},
		DoNothing: true,
	}).Create(window).Error
}

func (r *summaryWindowRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SummaryWindow, error) {
	var window types.SummaryWindow
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).Limit(1).Find(&window).Error
	if err != nil {
		return nil, err
	}
	if window.ID == uuid.Nil {
		return nil, nil
	}
	return &window, nil
}

func (r *summaryWindowRepo) CountOutstanding(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&types.SummaryWindow{}).
		Where("status IN ?", []string{types.WorkStatusPending, types.WorkStatusRunning, types.WorkStatusFailed}).
		Count(&n).Error
	return n, err
}
