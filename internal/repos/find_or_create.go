package repos

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindOrCreate is the conflict-then-lookup idempotency primitive shared by
// the graph writer and the thread repository: insert with ON CONFLICT DO
// NOTHING on the unique key column, then read back by key. The read-back
// resolves the race where another writer inserted the same key first.
// Returns the persisted row and whether this call inserted it.
func FindOrCreate[T any](ctx context.Context, db *gorm.DB, keyColumn string, key any, fresh *T) (*T, bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: keyColumn}},
		DoNothing: true,
	}).Create(fresh)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected == 1

	var out T
	if err := db.WithContext(ctx).Where(fmt.Sprintf("%s = ?", keyColumn), key).Take(&out).Error; err != nil {
		return nil, false, fmt.Errorf("find_or_create: read back %s=%v: %w", keyColumn, key, err)
	}
	return &out, created, nil
}
