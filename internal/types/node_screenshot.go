package types

import (
	"time"

	"github.com/google/uuid"
)

// NodeScreenshot records evidence provenance. The pair is unique and writes
// are conflict-do-nothing, so replayed links are harmless.
type NodeScreenshot struct {
	NodeID       uuid.UUID `gorm:"type:uuid;column:node_id;not null;uniqueIndex:idx_node_screenshot_pair" json:"node_id"`
	ScreenshotID uuid.UUID `gorm:"type:uuid;column:screenshot_id;not null;uniqueIndex:idx_node_screenshot_pair" json:"screenshot_id"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

func (NodeScreenshot) TableName() string { return "node_screenshot" }
