package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AnalysisBatch is the work record for the batch-analysis stage: one row per
// group of screenshots awaiting a model pass that turns them into graph
// nodes and thread assignments.
type AnalysisBatch struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ScreenshotIDs datatypes.JSON `gorm:"column:screenshot_ids;not null" json:"screenshot_ids"`
	FromTs        time.Time      `gorm:"column:from_ts;not null;index" json:"from_ts"`
	ToTs          time.Time      `gorm:"column:to_ts;not null;index" json:"to_ts"`
	WorkState     `gorm:"embedded"`
	CreatedAt     time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;index" json:"updated_at"`
}

func (AnalysisBatch) TableName() string { return "analysis_batch" }
