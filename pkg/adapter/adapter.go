// Package adapter hides transport differences between SSH and Telnet
// behind one capability surface: dial, authenticate, run a command until
// the device prompt returns, log out, close.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/netopslab/noderun/pkg/node"
)

// Conn is one live device session. A Conn is owned by exactly one session
// and is never shared across nodes.
type Conn interface {
	// Authenticate completes the protocol's login exchange. It returns an
	// *AuthError when the device rejected the credentials and a
	// *ConnectError when the transport dropped mid-auth.
	Authenticate(ctx context.Context, creds node.Credentials) error

	// Run sends one command and reads output until the prompt boundary or
	// timeout. On timeout it returns the partial output together with a
	// *CommandError whose Timeout flag is set; the connection stays usable.
	Run(ctx context.Context, command string, timeout time.Duration) (string, error)

	// Logout sends the exit sequence and reads trailing server messages.
	// Best effort; callers log the returned error and move on.
	Logout(ctx context.Context) error

	// Close releases transport resources. Idempotent.
	Close() error
}

// Dialer opens the transport to a node.
type Dialer interface {
	Dial(ctx context.Context, rec node.Record) (Conn, error)
}

// ConnectError reports an unreachable, refused or dropped transport.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials or a broken auth exchange.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// CommandError reports a per-command failure. Timeout marks the
// recoverable variant: the prompt never came back but the transport is
// still alive.
type CommandError struct {
	Command string
	Timeout bool
	Err     error
}

func (e *CommandError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("command %q: timeout: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q: %v", e.Command, e.Err)
}
func (e *CommandError) Unwrap() error { return e.Err }

// IsCommandTimeout reports whether err is the recoverable timeout variant.
func IsCommandTimeout(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Timeout
}

// EnsurePort appends the protocol default port when addr has none.
func EnsurePort(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}
