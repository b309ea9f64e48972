package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	EdgeEventNext              = "event_next"
	EdgeEventProducesKnowledge = "event_produces_knowledge"
	EdgeEventUpdatesState      = "event_updates_state"
	EdgeEventUsesProcedure     = "event_uses_procedure"
	EdgeEventSuggestsPlan      = "event_suggests_plan"
)

// EdgeTypeForKind maps a derived node kind to the edge type that links its
// source event to it. Returns "" for kinds without a mandated edge.
func EdgeTypeForKind(kind string) string {
	switch kind {
	case NodeKindKnowledge:
		return EdgeEventProducesKnowledge
	case NodeKindStateSnapshot:
		return EdgeEventUpdatesState
	case NodeKindProcedure:
		return EdgeEventUsesProcedure
	case NodeKindPlan:
		return EdgeEventSuggestsPlan
	}
	return ""
}

type GraphEdge struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FromNodeID uuid.UUID `gorm:"type:uuid;column:from_node_id;not null;uniqueIndex:idx_graph_edge_triple;index" json:"from_node_id"`
	ToNodeID   uuid.UUID `gorm:"type:uuid;column:to_node_id;not null;uniqueIndex:idx_graph_edge_triple;index" json:"to_node_id"`
	EdgeType   string    `gorm:"column:edge_type;not null;uniqueIndex:idx_graph_edge_triple" json:"edge_type"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (GraphEdge) TableName() string { return "graph_edge" }
