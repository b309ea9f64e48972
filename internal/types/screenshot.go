package types

import (
	"time"

	"github.com/google/uuid"
)

// Screenshot rows are written by the capture layer; the pipeline only reads
// them as evidence for analysis batches and provenance links.
type Screenshot struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CapturedAt  time.Time `gorm:"column:captured_at;not null;index" json:"captured_at"`
	AppName     string    `gorm:"column:app_name;index" json:"app_name"`
	WindowTitle string    `gorm:"column:window_title" json:"window_title"`
	Path        string    `gorm:"column:path;not null" json:"path"`
	PHash       string    `gorm:"column:phash;index" json:"phash"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"`
}

func (Screenshot) TableName() string { return "screenshot" }
