package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SummaryWindow is the work record for time-windowed summaries. A window
// becomes due once created; while its underlying analysis batches are still
// unfinished it is rescheduled with the adaptive processing delay instead of
// burning through its retry budget at a fixed cadence.
type SummaryWindow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WindowStart time.Time      `gorm:"column:window_start;not null;uniqueIndex:idx_summary_window_span" json:"window_start"`
	WindowEnd   time.Time      `gorm:"column:window_end;not null;uniqueIndex:idx_summary_window_span" json:"window_end"`
	Title       string         `gorm:"column:title" json:"title"`
	Summary     string         `gorm:"column:summary" json:"summary"`
	Stats       datatypes.JSON `gorm:"column:stats" json:"stats,omitempty"`
	WorkState   `gorm:"embedded"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;index" json:"updated_at"`
}

func (SummaryWindow) TableName() string { return "summary_window" }
