// Package session drives one node through its connect, authenticate,
// setup, cycle and teardown lifecycle.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/adapter"
	"github.com/netopslab/noderun/pkg/node"
)

// State names the stages of one session. Closed is terminal and reachable
// from every other state.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateRunningSetup   State = "running_setup"
	StateRunningCycle   State = "running_cycle"
	StateLoggingOut     State = "logging_out"
	StateClosed         State = "closed"
)

// Session owns one node's connection for the duration of a run. It is not
// safe for concurrent use; the fleet runs each session on its own goroutine.
type Session struct {
	rec    node.Record
	dialer adapter.Dialer
	creds  node.CredentialsProvider
	sink   Sink
	runID  uuid.UUID
	log    lg.Logger

	state State
}

func New(rec node.Record, dialer adapter.Dialer, creds node.CredentialsProvider, sink Sink, runID uuid.UUID, logger lg.Logger) *Session {
	if logger == nil {
		logger = lg.Discard
	}
	return &Session{
		rec:    rec,
		dialer: dialer,
		creds:  creds,
		sink:   sink,
		runID:  runID,
		log:    logger.With(lg.String("node", rec.ID)),
		state:  StateConnecting,
	}
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State { return s.state }

// Run executes the full lifecycle and records the outcome on the sink.
// Errors never escape: every failure mode ends as an Outcome.
func (s *Session) Run(ctx context.Context) Outcome {
	out := s.run(ctx)
	s.transition(StateClosed)
	s.sink.RecordOutcome(out)
	return out
}

func (s *Session) run(ctx context.Context) Outcome {
	out := Outcome{RunID: s.runID, NodeID: s.rec.ID, Final: Completed}

	s.transition(StateConnecting)
	conn, err := s.dialer.Dial(ctx, s.rec)
	if err != nil {
		s.log.Warn("connect failed", lg.Err(err))
		return s.fail(out, FailedConnect, err)
	}

	creds, err := s.creds.Lookup(ctx, s.rec.CredentialsRef)
	if err != nil {
		conn.Close()
		s.log.Warn("credentials unresolvable", lg.String("ref", s.rec.CredentialsRef), lg.Err(err))
		return s.fail(out, FailedAuth, err)
	}

	s.transition(StateAuthenticating)
	if err := conn.Authenticate(ctx, creds); err != nil {
		conn.Close()
		s.log.Warn("authentication failed", lg.Err(err))
		var ae *adapter.AuthError
		switch {
		case errors.As(err, &ae):
			return s.fail(out, FailedAuth, err)
		case isCancellation(err):
			return s.fail(out, Cancelled, err)
		default:
			return s.fail(out, FailedConnect, err)
		}
	}

	var (
		fatal     error
		cancelled bool
		cycles    int
	)

	s.transition(StateRunningSetup)
	fatal, cancelled = s.runPhase(ctx, conn, PhaseSetup, -1, s.rec.SetupCommands)

	if fatal == nil && !cancelled {
		s.transition(StateRunningCycle)
		for i := 0; s.rec.CycleCount == 0 || i < s.rec.CycleCount; i++ {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			fatal, cancelled = s.runPhase(ctx, conn, PhaseCycle, i, s.rec.CycleCommands)
			if fatal != nil || cancelled {
				break
			}
			cycles = i + 1
			if s.rec.CycleInterval > 0 && (s.rec.CycleCount == 0 || i+1 < s.rec.CycleCount) {
				if !sleep(ctx, s.rec.CycleInterval) {
					cancelled = true
					break
				}
			}
		}
	}
	out.CyclesCompleted = cycles

	// logout and close run no matter how the phases ended; their failures
	// are logged, never escalated
	s.transition(StateLoggingOut)
	if err := conn.Logout(ctx); err != nil {
		s.log.Warn("logout failed", lg.Err(err))
	}
	if err := conn.Close(); err != nil {
		s.log.Warn("close failed", lg.Err(err))
	}

	switch {
	case fatal != nil:
		return s.fail(out, FailedMidCycle, fatal)
	case cancelled:
		out.Final = Cancelled
		return out
	default:
		s.log.Debug("session completed", lg.Int("cycles", cycles))
		return out
	}
}

// runPhase executes commands strictly in order. Timeouts are recorded and
// skipped; any other command failure is fatal to the session. A context
// cancellation observed between or during commands stops the phase without
// recording the interrupted command.
func (s *Session) runPhase(ctx context.Context, conn adapter.Conn, phase Phase, cycle int, commands []string) (fatal error, cancelled bool) {
	for _, cmd := range commands {
		if ctx.Err() != nil {
			return nil, true
		}
		output, err := conn.Run(ctx, cmd, s.rec.CommandTimeout())
		res := CommandResult{
			RunID:   s.runID,
			NodeID:  s.rec.ID,
			Phase:   phase,
			Cycle:   cycle,
			Command: cmd,
			Output:  output,
		}
		switch {
		case err == nil:
			res.Status = StatusOK
			s.sink.RecordCommand(res)
		case adapter.IsCommandTimeout(err):
			res.Status = StatusTimeout
			res.Error = err.Error()
			s.sink.RecordCommand(res)
			s.log.Warn("command timed out", lg.String("command", cmd))
		case isCancellation(err):
			return nil, true
		default:
			res.Status = StatusError
			res.Error = err.Error()
			s.sink.RecordCommand(res)
			s.log.Warn("command failed", lg.String("command", cmd), lg.Err(err))
			return err, false
		}
	}
	return nil, false
}

func (s *Session) fail(out Outcome, final FinalStatus, err error) Outcome {
	out.Final = final
	if err != nil {
		out.Reason = err.Error()
	}
	return out
}

func (s *Session) transition(next State) {
	s.log.Debug("state transition", lg.String("from", string(s.state)), lg.String("to", string(next)))
	s.state = next
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// interval elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
