package threads

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/mbaxszy7/mnemora/internal/types"
)

// AssignmentNew is the literal a node assignment uses to request membership
// in one of the batch's new-thread groupings.
const AssignmentNew = "NEW"

// NodeAssignment maps one batch node index to an existing thread id or to
// AssignmentNew.
type NodeAssignment struct {
	NodeIndex int    `json:"node_index"`
	ThreadID  string `json:"thread_id"`
}

// NewThread describes one thread the model proposes to create, with the
// batch node indices it should contain.
type NewThread struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	NodeIndices []int  `json:"node_indices"`
}

// ThreadUpdate is a metadata mutation for an existing thread, applied after
// linkage and aggregation.
type ThreadUpdate struct {
	ThreadID   uuid.UUID         `json:"thread_id"`
	Title      string            `json:"title,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Milestones []types.Milestone `json:"milestones,omitempty"`
}

// Assignment is the model-proposed mapping of every node in a batch to a
// continuity thread.
type Assignment struct {
	BatchID       uuid.UUID
	NodeIDs       []uuid.UUID
	Assignments   []NodeAssignment
	NewThreads    []NewThread
	ThreadUpdates []ThreadUpdate
}

// ValidationError marks an assignment as structurally inconsistent. The
// whole batch is rejected before any write.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "thread assignment invalid: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// validate performs the exhaustive pre-write checks: every node index is
// assigned exactly once, NEW assignments and new-thread groupings agree in
// both directions, and no index escapes the batch bounds. Existing-thread id
// resolution happens separately because it needs the store.
func (a *Assignment) validate() error {
	n := len(a.NodeIDs)
	if n == 0 {
		return invalidf("batch has no nodes")
	}
	if len(a.Assignments) != n {
		return invalidf("expected %d assignments, got %d", n, len(a.Assignments))
	}

	assignedNew := make(map[int]bool, n)
	seen := make(map[int]bool, n)
	for _, asg := range a.Assignments {
		if asg.NodeIndex < 0 || asg.NodeIndex >= n {
			return invalidf("node index %d out of range [0,%d)", asg.NodeIndex, n)
		}
		if seen[asg.NodeIndex] {
			return invalidf("node index %d assigned more than once", asg.NodeIndex)
		}
		seen[asg.NodeIndex] = true
		if asg.ThreadID == AssignmentNew {
			assignedNew[asg.NodeIndex] = true
		} else if _, err := uuid.Parse(asg.ThreadID); err != nil {
			return invalidf("node index %d references malformed thread id %q", asg.NodeIndex, asg.ThreadID)
		}
	}

	grouped := make(map[int]int) // index -> grouping ordinal
	for gi, group := range a.NewThreads {
		if len(group.NodeIndices) == 0 {
			return invalidf("new thread %d has no members", gi)
		}
		for _, idx := range group.NodeIndices {
			if idx < 0 || idx >= n {
				return invalidf("new thread %d member %d out of range", gi, idx)
			}
			if prev, ok := grouped[idx]; ok {
				return invalidf("node index %d appears in new threads %d and %d", idx, prev, gi)
			}
			grouped[idx] = gi
			if !assignedNew[idx] {
				return invalidf("node index %d grouped into a new thread but not assigned NEW", idx)
			}
		}
	}
	for idx := range assignedNew {
		if _, ok := grouped[idx]; !ok {
			return invalidf("node index %d assigned NEW but absent from every new-thread grouping", idx)
		}
	}
	return nil
}

// originKeyFor derives the create-if-absent key for a new thread from the
// batch id and the sorted member indices, so a retry of the same batch maps
// to the same thread row.
func originKeyFor(batchID uuid.UUID, indices []int) string {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	h := sha256.New()
	h.Write([]byte(batchID.String()))
	for _, idx := range sorted {
		h.Write([]byte(":"))
		h.Write([]byte(strconv.Itoa(idx)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
