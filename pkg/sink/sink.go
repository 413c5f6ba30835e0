// Package sink provides destinations for the structured events sessions
// emit. Every implementation is safe for concurrent use.
package sink

import (
	"sync"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/session"
)

// Multi fans every event out to all wrapped sinks.
type Multi []session.Sink

func NewMulti(sinks ...session.Sink) Multi { return Multi(sinks) }

func (m Multi) RecordCommand(res session.CommandResult) {
	for _, s := range m {
		s.RecordCommand(res)
	}
}

func (m Multi) RecordOutcome(out session.Outcome) {
	for _, s := range m {
		s.RecordOutcome(out)
	}
}

// Memory keeps events in memory, for tests and summaries.
type Memory struct {
	mu       sync.Mutex
	commands []session.CommandResult
	outcomes []session.Outcome
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) RecordCommand(res session.CommandResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, res)
}

func (m *Memory) RecordOutcome(out session.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
}

func (m *Memory) Commands() []session.CommandResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.CommandResult(nil), m.commands...)
}

func (m *Memory) Outcomes() []session.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Outcome(nil), m.outcomes...)
}

// Log mirrors events onto the structured logger.
type Log struct {
	log lg.Logger
}

func NewLog(logger lg.Logger) *Log { return &Log{log: logger} }

func (l *Log) RecordCommand(res session.CommandResult) {
	l.log.Info("command finished",
		lg.String("node", res.NodeID),
		lg.String("phase", string(res.Phase)),
		lg.Int("cycle", res.Cycle),
		lg.String("command", res.Command),
		lg.String("status", string(res.Status)))
}

func (l *Log) RecordOutcome(out session.Outcome) {
	l.log.Info("session closed",
		lg.String("node", out.NodeID),
		lg.String("final_status", string(out.Final)),
		lg.Int("cycles_completed", out.CyclesCompleted))
}
