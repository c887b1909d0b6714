package models

import "time"

// StateVersion is the current schema version of persisted snapshots.
// Newer versions may only add optional fields; older snapshots must stay
// readable, with absent fields defaulted by Normalize.
const StateVersion = 1

// ExecutionState is the persisted scheduling snapshot for one project. It is
// written after every transition that matters for resumability (task terminal
// transition, group boundary) and read once at process startup to attempt
// recovery. Replaying a snapshot must reproduce a coordinator state
// equivalent to the live state at checkpoint time.
type ExecutionState struct {
	Version     int            `json:"version"`
	PlanID      string         `json:"plan_id"`
	RequestID   string         `json:"request_id"`
	Plan        *ExecutionPlan `json:"plan"`
	Completed   []string       `json:"completed"`
	Failed      []string       `json:"failed"`
	Skipped     []string       `json:"skipped"`
	GroupIndex  int            `json:"group_index"`
	Paused      bool           `json:"paused"`
	RunningCost float64        `json:"running_cost"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Normalize fills defaults for fields absent in snapshots written by older
// versions. Decoding is defensive: nothing here assumes presence.
func (s *ExecutionState) Normalize() {
	if s.Version == 0 {
		s.Version = StateVersion
	}
	if s.Completed == nil {
		s.Completed = []string{}
	}
	if s.Failed == nil {
		s.Failed = []string{}
	}
	if s.Skipped == nil {
		s.Skipped = []string{}
	}
	if s.PlanID == "" && s.Plan != nil {
		s.PlanID = s.Plan.ID
	}
	if s.RequestID == "" && s.Plan != nil {
		s.RequestID = s.Plan.RequestID
	}
}

// TerminalCount returns the total number of task IDs across the three
// terminal sets. Used for the monotonic-checkpoint guard.
func (s *ExecutionState) TerminalCount() int {
	return len(s.Completed) + len(s.Failed) + len(s.Skipped)
}
