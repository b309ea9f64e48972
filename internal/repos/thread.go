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

type ThreadRepo interface {
	// FindOrCreate resolves fresh.OriginKey race-safely: a retry of the same
	// batch reuses the thread created by the first apply.
	FindOrCreate(ctx context.Context, tx *gorm.DB, fresh *types.Thread) (*types.Thread, bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Thread, error)
	// ExistingIDs filters ids down to those present in the store.
	ExistingIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error
	// MarkInactiveBefore is the thread lifecycle's only forced transition:
	// active threads whose lastActiveAt predates cutoff become inactive.
	MarkInactiveBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type threadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThreadRepo(db *gorm.DB, baseLog *logger.Logger) ThreadRepo {
	return &threadRepo{db: db, log: baseLog.With("repo", "ThreadRepo")}
}

func (r *threadRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *threadRepo) FindOrCreate(ctx context.Context, tx *gorm.DB, fresh *types.Thread) (*types.Thread, bool, error) {
	if fresh == nil || fresh.OriginKey == "" {
		return nil, false, errors.New("thread find_or_create: missing origin key")
	}
	if fresh.ID == uuid.Nil {
		fresh.ID = uuid.New()
	}
	if fresh.Status == "" {
		fresh.Status = types.ThreadStatusActive
	}
	now := time.Now()
	if fresh.CreatedAt.IsZero() {
		fresh.CreatedAt = now
	}
	fresh.UpdatedAt = now
	return FindOrCreate(ctx, r.conn(tx), "origin_key", fresh.OriginKey, fresh)
}

func (r *threadRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Thread, error) {
	var thread types.Thread
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).Limit(1).Find(&thread).Error
	if err != nil {
		return nil, err
	}
	if thread.ID == uuid.Nil {
		return nil, nil
	}
	return &thread, nil
}

func (r *threadRepo) ExistingIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := map[uuid.UUID]bool{}
	if len(ids) == 0 {
		return out, nil
	}
	var found []uuid.UUID
	err := r.conn(tx).WithContext(ctx).Model(&types.Thread{}).
		Where("id IN ?", ids).
		Pluck("id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (r *threadRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(tx).WithContext(ctx).Model(&types.Thread{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *threadRepo) MarkInactiveBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := r.conn(tx).WithContext(ctx).Model(&types.Thread{}).
		Where("status = ? AND last_active_at IS NOT NULL AND last_active_at < ?", types.ThreadStatusActive, cutoff).
		Updates(map[string]any{
			"status":     types.ThreadStatusInactive,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Info("Marked threads inactive", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
