package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ThreadStatusActive   = "active"
	ThreadStatusInactive = "inactive"
)

// Thread is a continuity grouping of event nodes. Created once per origin
// key, mutated by every batch whose nodes map to it, swept to inactive when
// lastActiveAt goes stale, never deleted.
type Thread struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OriginKey    string         `gorm:"column:origin_key;not null;uniqueIndex" json:"origin_key"`
	Title        string         `gorm:"column:title;not null" json:"title"`
	Summary      string         `gorm:"column:summary" json:"summary"`
	Status       string         `gorm:"column:status;not null;default:active;index" json:"status"`
	StartTime    *time.Time     `gorm:"column:start_time;index" json:"start_time,omitempty"`
	LastActiveAt *time.Time     `gorm:"column:last_active_at;index" json:"last_active_at,omitempty"`
	DurationMs   int64          `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	NodeCount    int            `gorm:"column:node_count;not null;default:0" json:"node_count"`
	Apps         datatypes.JSON `gorm:"column:apps" json:"apps,omitempty"`
	MainProject  *string        `gorm:"column:main_project" json:"main_project,omitempty"`
	KeyEntities  datatypes.JSON `gorm:"column:key_entities" json:"key_entities,omitempty"`
	Milestones   datatypes.JSON `gorm:"column:milestones" json:"milestones,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (Thread) TableName() string { return "thread" }

// Milestone is the shape stored in Thread.Milestones.
type Milestone struct {
	Time        time.Time `json:"time"`
	Description string    `json:"description"`
}
