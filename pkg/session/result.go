package session

import "github.com/google/uuid"

// Phase tags which part of the session a command ran in.
type Phase string

const (
	PhaseSetup Phase = "setup"
	PhaseCycle Phase = "cycle"
)

// Status is the per-command result classification.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// FinalStatus is the terminal classification of one node's session.
type FinalStatus string

const (
	Completed                 FinalStatus = "completed"
	FailedConnect             FinalStatus = "failed_connect"
	FailedAuth                FinalStatus = "failed_auth"
	FailedMidCycle            FinalStatus = "failed_mid_cycle"
	Cancelled                 FinalStatus = "cancelled"
	FailedUnsupportedProtocol FinalStatus = "failed_unsupported_protocol"
)

// CommandResult is produced once per executed command, in issue order.
type CommandResult struct {
	RunID   uuid.UUID `json:"run_id"`
	NodeID  string    `json:"node_id"`
	Phase   Phase     `json:"phase"`
	Cycle   int       `json:"cycle"` // -1 during setup
	Command string    `json:"command"`
	Output  string    `json:"output"`
	Status  Status    `json:"status"`
	Error   string    `json:"error,omitempty"`
}

// Outcome is the terminal, immutable record of how a node's session ended.
type Outcome struct {
	RunID           uuid.UUID   `json:"run_id"`
	NodeID          string      `json:"node_id"`
	Final           FinalStatus `json:"final_status"`
	CyclesCompleted int         `json:"cycles_completed"`
	Reason          string      `json:"reason,omitempty"`
}

// Sink receives structured events from concurrently running sessions.
// Implementations must be safe for concurrent use.
type Sink interface {
	RecordCommand(res CommandResult)
	RecordOutcome(out Outcome)
}
