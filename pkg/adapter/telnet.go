package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/netopslab/noderun/pkg/node"
)

var (
	loginPromptRE    = regexp.MustCompile(`(?i)(username|login)\s*:\s*$`)
	passwordPromptRE = regexp.MustCompile(`(?i)password\s*:\s*$`)
)

// TelnetDialer opens Telnet device sessions over plain TCP, refusing all
// option negotiation (RFC 854 DONT/WONT replies).
type TelnetDialer struct{}

func (TelnetDialer) Dial(ctx context.Context, rec node.Record) (Conn, error) {
	addr := EnsurePort(rec.Address, "23")
	d := net.Dialer{Timeout: rec.CommandTimeout()}
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	c := &telnetConn{rec: rec, addr: addr, tcp: tcp}
	c.rd = newPromptReader(&negotiatingReader{r: tcp, w: tcp})
	return c, nil
}

type telnetConn struct {
	rec  node.Record
	addr string
	tcp  net.Conn
	rd   *promptReader

	authenticated bool
	closeOnce     sync.Once
}

func (c *telnetConn) Authenticate(ctx context.Context, creds node.Credentials) error {
	timeout := c.rec.CommandTimeout()

	if _, _, err := c.rd.ReadUntil(ctx, timeout, loginPromptRE); err != nil {
		return c.authExchangeErr("waiting for login prompt", err)
	}
	if err := c.send(creds.Username); err != nil {
		return &ConnectError{Addr: c.addr, Err: err}
	}
	if _, _, err := c.rd.ReadUntil(ctx, timeout, passwordPromptRE); err != nil {
		return c.authExchangeErr("waiting for password prompt", err)
	}
	if err := c.send(creds.Password); err != nil {
		return &ConnectError{Addr: c.addr, Err: err}
	}

	// a shell prompt means success; being asked to log in again means the
	// device rejected the credentials
	_, idx, err := c.rd.ReadUntil(ctx, timeout, promptRE, loginPromptRE, passwordPromptRE)
	if err != nil {
		return c.authExchangeErr("waiting for shell prompt", err)
	}
	if idx != 0 {
		return &AuthError{Err: errors.New("credentials rejected: login prompt repeated")}
	}
	c.authenticated = true
	return nil
}

// authExchangeErr distinguishes a dead transport (dropped mid-auth) from a
// live one that never completed the login exchange.
func (c *telnetConn) authExchangeErr(stage string, err error) error {
	if errors.Is(err, ErrPromptTimeout) {
		return &AuthError{Err: fmt.Errorf("%s: %w", stage, err)}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ConnectError{Addr: c.addr, Err: fmt.Errorf("%s: %w", stage, err)}
}

func (c *telnetConn) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if !c.authenticated {
		return "", &CommandError{Command: command, Err: errors.New("session not authenticated")}
	}
	if err := c.send(command); err != nil {
		return "", &CommandError{Command: command, Err: fmt.Errorf("write: %w", err)}
	}
	// cancellation is honored between commands, not mid-command: once
	// issued, a command runs to its prompt or its own timeout
	out, _, err := c.rd.ReadUntil(context.Background(), timeout, promptRE)
	return out, classifyRunErr(command, err)
}

func (c *telnetConn) Logout(ctx context.Context) error {
	for _, cmd := range []string{"exit", "logout"} {
		if err := c.send(cmd); err != nil {
			return fmt.Errorf("send %q: %w", cmd, err)
		}
		if _, closed := c.rd.DrainUntilClose(logoutDrainTimeout); closed {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.New("server did not close the connection after exit/logout")
}

func (c *telnetConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.rd.stop()
		err = c.tcp.Close()
	})
	return err
}

func (c *telnetConn) send(line string) error {
	_, err := io.WriteString(c.tcp, line+"\r\n")
	return err
}

// Telnet protocol bytes (RFC 854).
const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255
)

const (
	tstateData = iota
	tstateIAC
	tstateOpt
	tstateSB
	tstateSBIAC
)

// negotiatingReader strips IAC sequences from the stream and refuses every
// option the server proposes. State persists across Read calls because a
// sequence can straddle a chunk boundary.
type negotiatingReader struct {
	r io.Reader
	w io.Writer

	state int
	cmd   byte
}

func (t *negotiatingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 {
		return 0, err
	}

	out := 0
	var replies []byte
	for _, b := range p[:n] {
		switch t.state {
		case tstateData:
			if b == telnetIAC {
				t.state = tstateIAC
			} else {
				p[out] = b
				out++
			}
		case tstateIAC:
			switch b {
			case telnetDO, telnetDONT, telnetWILL, telnetWONT:
				t.cmd = b
				t.state = tstateOpt
			case telnetSB:
				t.state = tstateSB
			case telnetIAC: // escaped 0xFF data byte
				p[out] = b
				out++
				t.state = tstateData
			default:
				t.state = tstateData
			}
		case tstateOpt:
			switch t.cmd {
			case telnetDO:
				replies = append(replies, telnetIAC, telnetWONT, b)
			case telnetWILL:
				replies = append(replies, telnetIAC, telnetDONT, b)
			}
			t.state = tstateData
		case tstateSB:
			if b == telnetIAC {
				t.state = tstateSBIAC
			}
		case tstateSBIAC:
			if b == telnetSE {
				t.state = tstateData
			} else {
				t.state = tstateSB
			}
		}
	}
	if len(replies) > 0 {
		t.w.Write(replies)
	}
	return out, err
}
