// Package fleet fans a run out across many nodes, one session per node,
// with a hard bound on simultaneously open connections.
package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/adapter"
	"github.com/netopslab/noderun/pkg/node"
	"github.com/netopslab/noderun/pkg/session"
)

const DefaultMaxConcurrency = 10

// Options configures one fleet run.
type Options struct {
	MaxConcurrency int
	Credentials    node.CredentialsProvider
	Sink           session.Sink
	Logger         lg.Logger

	// Dialers maps protocols to transports. Nil selects the defaults.
	Dialers map[node.Protocol]adapter.Dialer

	// Resilience, when set, wraps every dialer with backoff retries and a
	// circuit breaker. The session state machine never retries on its own.
	Resilience *adapter.ResilienceConfig
}

// DefaultDialers returns the built-in protocol registry.
func DefaultDialers() map[node.Protocol]adapter.Dialer {
	return map[node.Protocol]adapter.Dialer{
		node.SSH:    adapter.SSHDialer{},
		node.Telnet: adapter.TelnetDialer{},
	}
}

type Fleet struct {
	opts  Options
	runID uuid.UUID
}

func New(opts Options) *Fleet {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = lg.Discard
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Dialers == nil {
		opts.Dialers = DefaultDialers()
	}
	if opts.Resilience != nil {
		wrapped := make(map[node.Protocol]adapter.Dialer, len(opts.Dialers))
		for proto, d := range opts.Dialers {
			wrapped[proto] = adapter.NewResilientDialer(d, opts.Resilience)
		}
		opts.Dialers = wrapped
	}
	return &Fleet{opts: opts, runID: uuid.New()}
}

// RunID identifies this fleet run on every emitted event.
func (f *Fleet) RunID() uuid.UUID { return f.runID }

// Run drives one session per record and returns outcomes in record order.
// It returns only after every node has closed. A failure inside one
// session never touches its siblings: panics are caught at the session
// boundary and recorded as that node's outcome.
func (f *Fleet) Run(ctx context.Context, records []node.Record) []session.Outcome {
	ctx = lg.Attach(ctx, f.opts.Logger)
	sem := semaphore.NewWeighted(int64(f.opts.MaxConcurrency))
	outcomes := make([]session.Outcome, len(records))

	var wg sync.WaitGroup
	for i, rec := range records {
		dialer, ok := f.opts.Dialers[rec.Protocol]
		if !ok {
			// dispatch is total: the unknown case is an explicit per-node
			// outcome, never a silent skip
			out := session.Outcome{
				RunID:  f.runID,
				NodeID: rec.ID,
				Final:  session.FailedUnsupportedProtocol,
				Reason: fmt.Sprintf("unsupported protocol %q", rec.Protocol),
			}
			f.opts.Logger.Warn("unsupported protocol",
				lg.String("node", rec.ID), lg.String("protocol", string(rec.Protocol)))
			f.opts.Sink.RecordOutcome(out)
			outcomes[i] = out
			continue
		}

		wg.Add(1)
		go func(i int, rec node.Record, dialer adapter.Dialer) {
			defer wg.Done()
			// the slot is held for the whole session, so no more than
			// MaxConcurrency connections are ever open at once
			if err := sem.Acquire(ctx, 1); err != nil {
				out := session.Outcome{
					RunID:  f.runID,
					NodeID: rec.ID,
					Final:  session.Cancelled,
					Reason: err.Error(),
				}
				f.opts.Sink.RecordOutcome(out)
				outcomes[i] = out
				return
			}
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					out := session.Outcome{
						RunID:  f.runID,
						NodeID: rec.ID,
						Final:  session.FailedMidCycle,
						Reason: fmt.Sprintf("session panic: %v", r),
					}
					f.opts.Logger.Error("session panicked",
						lg.String("node", rec.ID), lg.Any("panic", r))
					f.opts.Sink.RecordOutcome(out)
					outcomes[i] = out
				}
			}()

			s := session.New(rec, dialer, f.opts.Credentials, f.opts.Sink, f.runID, f.opts.Logger)
			outcomes[i] = s.Run(ctx)
		}(i, rec, dialer)
	}
	wg.Wait()
	return outcomes
}

// AllCompleted reports whether every node finished cleanly; the process
// exit code hangs off this.
func AllCompleted(outcomes []session.Outcome) bool {
	for _, out := range outcomes {
		if out.Final != session.Completed {
			return false
		}
	}
	return true
}

// CountByStatus tallies outcomes for the run summary.
func CountByStatus(outcomes []session.Outcome) map[session.FinalStatus]int {
	counts := make(map[session.FinalStatus]int)
	for _, out := range outcomes {
		counts[out.Final]++
	}
	return counts
}

type nopSink struct{}

func (nopSink) RecordCommand(session.CommandResult) {}
func (nopSink) RecordOutcome(session.Outcome)       {}
