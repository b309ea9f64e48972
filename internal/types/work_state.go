package types

import "time"

// Work-record lifecycle shared by every pipeline stage table. A row is
// claimable while pending or failed; running means a worker currently holds
// the claim; failed_permanent is terminal and only an explicit operator
// action leaves it.
const (
	WorkStatusPending         = "pending"
	WorkStatusRunning         = "running"
	WorkStatusSucceeded       = "succeeded"
	WorkStatusFailed          = "failed"
	WorkStatusFailedPermanent = "failed_permanent"
)

// WorkState is the status contract embedded by every stage table (and, with
// a column prefix, by the per-node substatuses on graph_node). ClaimedAt is
// set on every claim and is what staleness is measured against: graph_node
// carries two of these sets, and activity on one lifecycle must not postpone
// stale-claim recovery on the other.
type WorkState struct {
	Status       string     `gorm:"column:status;not null;default:pending;index" json:"status"`
	Attempts     int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	NextRunAt    *time.Time `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`
	ClaimedAt    *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	ErrorMessage string     `gorm:"column:error_message" json:"error_message,omitempty"`
}
