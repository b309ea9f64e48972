package repos

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/types"
)

// WorkTarget names one work-record column set: a stage table, plus an
// optional column prefix for the substatus sets embedded on graph_node, plus
// an optional extra WHERE fragment scoping which rows belong to the stage at
// all (e.g. only event nodes for the detail stage).
type WorkTarget struct {
	Table  string
	Prefix string
	Scope  string
}

func (t WorkTarget) col(name string) string { return t.Prefix + name }

// DueItem is one claimable row as seen by a dispatch cycle. Attempts is the
// value before any claim, so attempts == 0 identifies fresh (realtime lane)
// work.
type DueItem struct {
	ID       uuid.UUID
	Status   string
	Attempts int
}

// WorkRecordRepo implements the claim-and-retry protocol for one WorkTarget.
// The conditional update in Claim is the only mutual-exclusion primitive in
// the system; everything else layers on top of it.
type WorkRecordRepo interface {
	// Claim transitions id out of pending/failed into running, incrementing
	// attempts. false means another worker won the row; that is not an error.
	Claim(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
	// MarkSucceeded finishes the record and clears retry bookkeeping. extra
	// lets a stage persist domain columns in the same update.
	MarkSucceeded(ctx context.Context, tx *gorm.DB, id uuid.UUID, extra map[string]any) error
	// MarkFailed applies the retry policy: failed_permanent once attempts
	// have reached maxAttempts, otherwise failed with nextRunAt = now+delay.
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, cause error, maxAttempts int, retryDelay time.Duration) (permanent bool, err error)
	// Reschedule parks a running record as failed with an explicit nextRunAt,
	// used when the work is waiting on upstream rather than broken.
	Reschedule(ctx context.Context, tx *gorm.DB, id uuid.UUID, delay time.Duration, note string) error
	// RecoverStale resets abandoned running rows (claim older than
	// threshold) back to pending with attempts unchanged. Staleness is
	// measured against the target's own claimed_at column, so the two
	// graph_node lifecycles recover independently.
	RecoverStale(ctx context.Context, tx *gorm.DB, threshold time.Duration) (int64, error)
	// Due returns up to limit claimable rows, oldest due first.
	Due(ctx context.Context, tx *gorm.DB, maxAttempts int, limit int) ([]DueItem, error)
	// EarliestNextRun returns the soonest time any row in scope becomes due,
	// or nil when nothing is outstanding.
	EarliestNextRun(ctx context.Context, tx *gorm.DB, maxAttempts int) (*time.Time, error)
}

type workRecordRepo struct {
	db     *gorm.DB
	log    *logger.Logger
	target WorkTarget
}

func NewWorkRecordRepo(db *gorm.DB, baseLog *logger.Logger, target WorkTarget) WorkRecordRepo {
	return &workRecordRepo{
		db:     db,
		log:    baseLog.With("repo", "WorkRecordRepo", "table", target.Table, "prefix", target.Prefix),
		target: target,
	}
}

func (r *workRecordRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *workRecordRepo) scoped(q *gorm.DB) *gorm.DB {
	if r.target.Scope != "" {
		return q.Where(r.target.Scope)
	}
	return q
}

func (r *workRecordRepo) Claim(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	t := r.target
	now := time.Now()
	res := r.conn(tx).WithContext(ctx).Table(t.Table).
		Where(fmt.Sprintf("id = ? AND %s IN ?", t.col("status")), id, []string{types.WorkStatusPending, types.WorkStatusFailed}).
		Updates(map[string]any{
			t.col("status"):     types.WorkStatusRunning,
			t.col("attempts"):   gorm.Expr(t.col("attempts") + " + 1"),
			t.col("claimed_at"): now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *workRecordRepo) MarkSucceeded(ctx context.Context, tx *gorm.DB, id uuid.UUID, extra map[string]any) error {
	if id == uuid.Nil {
		return nil
	}
	t := r.target
	updates := map[string]any{
		t.col("status"):        types.WorkStatusSucceeded,
		t.col("next_run_at"):   nil,
		t.col("error_message"): "",
		"updated_at":           time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	return r.conn(tx).WithContext(ctx).Table(t.Table).
		Where(fmt.Sprintf("id = ? AND %s = ?", t.col("status")), id, types.WorkStatusRunning).
		Updates(updates).Error
}

func (r *workRecordRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, cause error, maxAttempts int, retryDelay time.Duration) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	t := r.target
	conn := r.conn(tx).WithContext(ctx)

	var attempts int
	if err := conn.Table(t.Table).Select(t.col("attempts")).
		Where("id = ?", id).Scan(&attempts).Error; err != nil {
		return false, err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now()
	permanent := attempts >= maxAttempts
	updates := map[string]any{
		t.col("error_message"): msg,
		"updated_at":           now,
	}
	if permanent {
		updates[t.col("status")] = types.WorkStatusFailedPermanent
		updates[t.col("next_run_at")] = nil
	} else {
		updates[t.col("status")] = types.WorkStatusFailed
		updates[t.col("next_run_at")] = now.Add(retryDelay)
	}
	err := conn.Table(t.Table).
		Where(fmt.Sprintf("id = ? AND %s = ?", t.col("status")), id, types.WorkStatusRunning).
		Updates(updates).Error
	if err != nil {
		return false, err
	}
	if permanent {
		r.log.Warn("Work record failed permanently", "id", id, "attempts", attempts, "error", msg)
	}
	return permanent, nil
}

func (r *workRecordRepo) Reschedule(ctx context.Context, tx *gorm.DB, id uuid.UUID, delay time.Duration, note string) error {
	if id == uuid.Nil {
		return nil
	}
	t := r.target
	now := time.Now()
	return r.conn(tx).WithContext(ctx).Table(t.Table).
		Where(fmt.Sprintf("id = ? AND %s = ?", t.col("status")), id, types.WorkStatusRunning).
		Updates(map[string]any{
			t.col("status"):        types.WorkStatusFailed,
			t.col("next_run_at"):   now.Add(delay),
			t.col("error_message"): note,
			// Waiting on upstream is not a real attempt; give it back.
			t.col("attempts"): gorm.Expr(fmt.Sprintf("CASE WHEN %s > 0 THEN %s - 1 ELSE 0 END", t.col("attempts"), t.col("attempts"))),
			"updated_at":      now,
		}).Error
}

func (r *workRecordRepo) RecoverStale(ctx context.Context, tx *gorm.DB, threshold time.Duration) (int64, error) {
	t := r.target
	now := time.Now()
	cutoff := now.Add(-threshold)
	// A NULL claimed_at on a running row means the claim's origin is
	// unknown; treat it as stale rather than leaving the row stuck.
	res := r.scoped(r.conn(tx).WithContext(ctx).Table(t.Table)).
		Where(fmt.Sprintf("%s = ? AND (%s IS NULL OR %s < ?)",
			t.col("status"), t.col("claimed_at"), t.col("claimed_at")),
			types.WorkStatusRunning, cutoff).
		Updates(map[string]any{
			t.col("status"):      types.WorkStatusPending,
			t.col("next_run_at"): nil,
			t.col("claimed_at"):  nil,
			"updated_at":         now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Warn("Recovered stale running work records", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (r *workRecordRepo) Due(ctx context.Context, tx *gorm.DB, maxAttempts int, limit int) ([]DueItem, error) {
	t := r.target
	if limit <= 0 {
		limit = 10
	}
	now := time.Now()
	var items []DueItem
	q := r.scoped(r.conn(tx).WithContext(ctx).Table(t.Table)).
		Select(fmt.Sprintf("id, %s AS status, %s AS attempts", t.col("status"), t.col("attempts"))).
		Where(fmt.Sprintf("%s IN ? AND %s < ? AND (%s IS NULL OR %s <= ?)",
			t.col("status"), t.col("attempts"), t.col("next_run_at"), t.col("next_run_at")),
			[]string{types.WorkStatusPending, types.WorkStatusFailed}, maxAttempts, now).
		Order(fmt.Sprintf("COALESCE(%s, created_at) ASC", t.col("next_run_at"))).
		Limit(limit)
	if err := q.Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *workRecordRepo) EarliestNextRun(ctx context.Context, tx *gorm.DB, maxAttempts int) (*time.Time, error) {
	t := r.target
	var earliest sql.NullTime
	err := r.scoped(r.conn(tx).WithContext(ctx).Table(t.Table)).
		Select(fmt.Sprintf("MIN(COALESCE(%s, created_at))", t.col("next_run_at"))).
		Where(fmt.Sprintf("%s IN ? AND %s < ?", t.col("status"), t.col("attempts")),
			[]string{types.WorkStatusPending, types.WorkStatusFailed}, maxAttempts).
		Scan(&earliest).Error
	if err != nil {
		return nil, err
	}
	if !earliest.Valid {
		return nil, nil
	}
	at := earliest.Time
	return &at, nil
}
