package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	NodeKindEvent         = "event"
	NodeKindKnowledge     = "knowledge"
	NodeKindStateSnapshot = "state_snapshot"
	NodeKindProcedure     = "procedure"
	NodeKindPlan          = "plan"
	NodeKindEntityProfile = "entity_profile"
)

// DerivedNodeKind reports whether kind must trace back to a source event via
// a typed edge.
func DerivedNodeKind(kind string) bool {
	switch kind {
	case NodeKindKnowledge, NodeKindStateSnapshot, NodeKindProcedure, NodeKindPlan:
		return true
	}
	return false
}

// GraphNode carries two prefixed WorkState column sets: detail_* drives the
// event-detail stage and embedding_* drives the embedding/indexing stage.
// ThreadID is insert-only: it is set at most once, while still null.
type GraphNode struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Kind          string         `gorm:"column:kind;not null;index" json:"kind"`
	ThreadID      *uuid.UUID     `gorm:"type:uuid;column:thread_id;index" json:"thread_id,omitempty"`
	OriginKey     *string        `gorm:"column:origin_key;uniqueIndex" json:"origin_key,omitempty"`
	Title         string         `gorm:"column:title;not null" json:"title"`
	Summary       string         `gorm:"column:summary" json:"summary"`
	Detail        string         `gorm:"column:detail" json:"detail"`
	Keywords      datatypes.JSON `gorm:"column:keywords" json:"keywords,omitempty"`
	Entities      datatypes.JSON `gorm:"column:entities" json:"entities,omitempty"`
	Importance    int            `gorm:"column:importance;not null;default:0" json:"importance"`
	Confidence    int            `gorm:"column:confidence;not null;default:0" json:"confidence"`
	EventTime     *time.Time     `gorm:"column:event_time;index" json:"event_time,omitempty"`
	MergedFromIDs datatypes.JSON `gorm:"column:merged_from_ids" json:"merged_from_ids,omitempty"`
	Embedding     []byte         `gorm:"column:embedding" json:"-"`

	DetailState    WorkState `gorm:"embedded;embeddedPrefix:detail_" json:"detail_state"`
	EmbeddingState WorkState `gorm:"embedded;embeddedPrefix:embedding_" json:"embedding_state"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

func (GraphNode) TableName() string { return "graph_node" }

// EntityRef is the shape stored in GraphNode.Entities.
type EntityRef struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}
