package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/node"
)

// ResilienceConfig tunes the optional dial retry layer. The session state
// machine itself never retries; orchestrator-level retry lives here,
// strictly outside the per-session lifecycle.
type ResilienceConfig struct {
	Backoff    *backoff.ExponentialBackOff // template, copied per dial
	Breaker    *gobreaker.CircuitBreaker
	MaxRetries uint64
}

// DefaultResilienceConfig mirrors the schedule used against flaky device
// management networks: a few quick retries behind a breaker that trips on
// sustained failure.
func DefaultResilienceConfig() *ResilienceConfig {
	cbs := gobreaker.Settings{
		Name:        "node-dialer",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &ResilienceConfig{
		Backoff: &backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		Breaker:    gobreaker.NewCircuitBreaker(cbs),
		MaxRetries: 3,
	}
}

// ResilientDialer wraps another Dialer with backoff retries and a circuit
// breaker shared across all nodes it dials.
type ResilientDialer struct {
	next Dialer
	cfg  *ResilienceConfig
}

func NewResilientDialer(next Dialer, cfg *ResilienceConfig) *ResilientDialer {
	if cfg == nil {
		cfg = DefaultResilienceConfig()
	}
	return &ResilientDialer{next: next, cfg: cfg}
}

func (d *ResilientDialer) Dial(ctx context.Context, rec node.Record) (Conn, error) {
	var conn Conn
	operation := func() error {
		res, err := d.cfg.Breaker.Execute(func() (any, error) {
			return d.next.Dial(ctx, rec)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = res.(Conn)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		lg.FromContext(ctx).Debug("dial retry scheduled",
			lg.String("node", rec.ID), lg.Duration("wait", wait), lg.Err(err))
	}

	// ExponentialBackOff carries retry state, so each dial gets its own copy
	exp := *d.cfg.Backoff
	b := backoff.WithContext(backoff.WithMaxRetries(&exp, d.cfg.MaxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, &ConnectError{Addr: rec.Address, Err: err}
	}
	return conn, nil
}
