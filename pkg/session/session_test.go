package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopslab/noderun/pkg/adapter"
	"github.com/netopslab/noderun/pkg/node"
	"github.com/netopslab/noderun/pkg/session"
	"github.com/netopslab/noderun/pkg/sink"
)

// script lets a test decide, per command, what the device answers.
type script func(command string) (string, error)

type fakeConn struct {
	mu       sync.Mutex
	script   script
	authErr  error
	commands []string
	loggedOut bool
	closed   bool
}

func (c *fakeConn) Authenticate(ctx context.Context, creds node.Credentials) error {
	return c.authErr
}

func (c *fakeConn) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.commands = append(c.commands, command)
	c.mu.Unlock()
	if c.script != nil {
		return c.script(command)
	}
	return "output of " + command, nil
}

func (c *fakeConn) Logout(ctx context.Context) error {
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	conn    *fakeConn
	dialErr error
}

func (d *fakeDialer) Dial(ctx context.Context, rec node.Record) (adapter.Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.conn, nil
}

var testCreds = node.StaticCredentials{
	"lab": {Username: "admin", Password: "secret"},
}

func testRecord() node.Record {
	return node.Record{
		ID:             "switch-01",
		Address:        "10.0.0.1:22",
		Protocol:       node.SSH,
		CredentialsRef: "lab",
		SetupCommands:  []string{"terminal length 0"},
		CycleCommands:  []string{"show version", "show clock"},
		CycleCount:     1,
	}
}

func newSession(rec node.Record, d adapter.Dialer, s session.Sink) *session.Session {
	return session.New(rec, d, testCreds, s, uuid.New(), nil)
}

func TestRunCompletesAndOrdersCommands(t *testing.T) {
	conn := &fakeConn{}
	mem := sink.NewMemory()
	rec := testRecord()
	rec.CycleCount = 3

	out := newSession(rec, &fakeDialer{conn: conn}, mem).Run(context.Background())

	require.Equal(t, session.Completed, out.Final)
	assert.Equal(t, 3, out.CyclesCompleted)
	assert.True(t, conn.loggedOut)
	assert.True(t, conn.closed)

	// setup runs exactly once, before any cycle, then cycles in order
	want := []string{
		"terminal length 0",
		"show version", "show clock",
		"show version", "show clock",
		"show version", "show clock",
	}
	assert.Equal(t, want, conn.commands)

	results := mem.Commands()
	require.Len(t, results, len(want))
	assert.Equal(t, session.PhaseSetup, results[0].Phase)
	assert.Equal(t, -1, results[0].Cycle)
	assert.Equal(t, session.PhaseCycle, results[1].Phase)
	assert.Equal(t, 0, results[1].Cycle)
	assert.Equal(t, 2, results[len(results)-1].Cycle)
	for _, res := range results {
		assert.Equal(t, session.StatusOK, res.Status)
		assert.Equal(t, rec.ID, res.NodeID)
	}

	outs := mem.Outcomes()
	require.Len(t, outs, 1)
	assert.Equal(t, out, outs[0])
}

func TestRunTimeoutIsRecoverable(t *testing.T) {
	conn := &fakeConn{script: func(cmd string) (string, error) {
		if cmd == "show version" {
			return "partial", &adapter.CommandError{Command: cmd, Timeout: true, Err: adapter.ErrPromptTimeout}
		}
		return "ok", nil
	}}
	mem := sink.NewMemory()

	out := newSession(testRecord(), &fakeDialer{conn: conn}, mem).Run(context.Background())

	require.Equal(t, session.Completed, out.Final)
	assert.Equal(t, 1, out.CyclesCompleted)

	results := mem.Commands()
	require.Len(t, results, 3)
	assert.Equal(t, session.StatusTimeout, results[1].Status)
	assert.Equal(t, "partial", results[1].Output)
	assert.NotEmpty(t, results[1].Error)
	// the command after the timeout still ran
	assert.Equal(t, session.StatusOK, results[2].Status)
}

func TestRunCommandErrorIsFatal(t *testing.T) {
	conn := &fakeConn{script: func(cmd string) (string, error) {
		if cmd == "show clock" {
			return "", &adapter.CommandError{Command: cmd, Err: fmt.Errorf("connection reset")}
		}
		return "ok", nil
	}}
	mem := sink.NewMemory()
	rec := testRecord()
	rec.CycleCount = 5

	out := newSession(rec, &fakeDialer{conn: conn}, mem).Run(context.Background())

	require.Equal(t, session.FailedMidCycle, out.Final)
	assert.Equal(t, 0, out.CyclesCompleted)
	assert.Contains(t, out.Reason, "connection reset")
	assert.True(t, conn.closed)

	results := mem.Commands()
	require.Len(t, results, 3) // setup, show version, failed show clock
	assert.Equal(t, session.StatusError, results[2].Status)
}

func TestRunConnectFailure(t *testing.T) {
	mem := sink.NewMemory()
	d := &fakeDialer{dialErr: &adapter.ConnectError{Addr: "10.0.0.1:22", Err: fmt.Errorf("refused")}}

	out := newSession(testRecord(), d, mem).Run(context.Background())

	require.Equal(t, session.FailedConnect, out.Final)
	assert.Empty(t, mem.Commands())
	require.Len(t, mem.Outcomes(), 1)
}

func TestRunAuthFailure(t *testing.T) {
	conn := &fakeConn{authErr: &adapter.AuthError{Err: fmt.Errorf("bad password")}}
	mem := sink.NewMemory()

	out := newSession(testRecord(), &fakeDialer{conn: conn}, mem).Run(context.Background())

	require.Equal(t, session.FailedAuth, out.Final)
	assert.Contains(t, out.Reason, "bad password")
	assert.True(t, conn.closed)
	assert.Empty(t, mem.Commands())
}

func TestRunUnresolvableCredentials(t *testing.T) {
	conn := &fakeConn{}
	mem := sink.NewMemory()
	rec := testRecord()
	rec.CredentialsRef = "nope"

	out := newSession(rec, &fakeDialer{conn: conn}, mem).Run(context.Background())

	require.Equal(t, session.FailedAuth, out.Final)
	assert.True(t, conn.closed)
}

func TestRunCancelledMidCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &fakeConn{}
	conn.script = func(cmd string) (string, error) {
		// cancel while the second cycle's first command is in flight
		if cmd == "show version" && len(conn.commands) > 3 {
			cancel()
			return "", ctx.Err()
		}
		return "ok", nil
	}
	mem := sink.NewMemory()
	rec := testRecord()
	rec.CycleCount = 4

	out := newSession(rec, &fakeDialer{conn: conn}, mem).Run(ctx)

	require.Equal(t, session.Cancelled, out.Final)
	assert.Equal(t, 1, out.CyclesCompleted)
	assert.True(t, conn.closed)

	// the interrupted command is not recorded
	for _, res := range mem.Commands() {
		assert.NotEqual(t, session.StatusError, res.Status)
	}
}

func TestRunUnboundedCyclesStopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var cycles int
	conn := &fakeConn{}
	conn.script = func(cmd string) (string, error) {
		if cmd == "show clock" {
			cycles++
			if cycles == 10 {
				cancel()
			}
		}
		return "ok", nil
	}
	mem := sink.NewMemory()
	rec := testRecord()
	rec.CycleCount = 0 // run until interrupted

	out := newSession(rec, &fakeDialer{conn: conn}, mem).Run(ctx)

	require.Equal(t, session.Cancelled, out.Final)
	assert.Equal(t, 10, out.CyclesCompleted)
}

func TestStateIsClosedAfterRun(t *testing.T) {
	s := newSession(testRecord(), &fakeDialer{conn: &fakeConn{}}, sink.NewMemory())
	assert.Equal(t, session.StateConnecting, s.State())
	s.Run(context.Background())
	assert.Equal(t, session.StateClosed, s.State())
}
