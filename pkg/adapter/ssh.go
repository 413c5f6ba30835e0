package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netopslab/noderun/pkg/node"
)

const logoutDrainTimeout = 5 * time.Second

// SSHDialer opens SSH device sessions. The TCP dial and the SSH handshake
// are deliberately split so transport failures and credential rejections
// surface as different outcomes.
type SSHDialer struct{}

func (SSHDialer) Dial(ctx context.Context, rec node.Record) (Conn, error) {
	addr := EnsurePort(rec.Address, "22")
	d := net.Dialer{Timeout: rec.CommandTimeout()}
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return &sshConn{rec: rec, addr: addr, tcp: tcp}, nil
}

type sshConn struct {
	rec  node.Record
	addr string
	tcp  net.Conn

	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	rd     *promptReader

	closeOnce sync.Once
}

func (c *sshConn) Authenticate(ctx context.Context, creds node.Credentials) error {
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            authMethods(creds),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.rec.CommandTimeout(),
		BannerCallback:  func(message string) error { return nil }, // ignore banner
	}

	sshc, chans, reqs, err := ssh.NewClientConn(c.tcp, c.addr, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return &AuthError{Err: err}
		}
		// handshake died for transport reasons, not bad credentials
		return &ConnectError{Addr: c.addr, Err: err}
	}
	c.client = ssh.NewClient(sshc, chans, reqs)

	sess, err := c.client.NewSession()
	if err != nil {
		return &ConnectError{Addr: c.addr, Err: fmt.Errorf("new session: %w", err)}
	}
	c.sess = sess

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 24, 80, modes); err != nil {
		return &ConnectError{Addr: c.addr, Err: fmt.Errorf("request pty: %w", err)}
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return &ConnectError{Addr: c.addr, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return &ConnectError{Addr: c.addr, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := sess.Shell(); err != nil {
		return &ConnectError{Addr: c.addr, Err: fmt.Errorf("start shell: %w", err)}
	}
	c.stdin = stdin
	c.rd = newPromptReader(stdout)

	// swallow the MOTD and initial prompt; some devices never print a
	// matching prompt, which is not fatal once auth has succeeded
	if _, _, err := c.rd.ReadUntil(ctx, c.rec.CommandTimeout(), promptRE); err != nil {
		if errors.Is(err, ErrPromptTimeout) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectError{Addr: c.addr, Err: err}
	}
	return nil
}

func (c *sshConn) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if c.rd == nil {
		return "", &CommandError{Command: command, Err: errors.New("session not authenticated")}
	}
	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		return "", &CommandError{Command: command, Err: fmt.Errorf("write: %w", err)}
	}
	// cancellation is honored between commands, not mid-command: once
	// issued, a command runs to its prompt or its own timeout
	out, _, err := c.rd.ReadUntil(context.Background(), timeout, promptRE)
	return out, classifyRunErr(command, err)
}

func (c *sshConn) Logout(ctx context.Context) error {
	if c.stdin == nil || c.rd == nil {
		return nil
	}
	for _, cmd := range []string{"exit", "logout"} {
		if _, err := io.WriteString(c.stdin, cmd+"\n"); err != nil {
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

func (c *sshConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.rd != nil {
			c.rd.stop()
		}
		if c.sess != nil {
			c.sess.Close()
		}
		if c.client != nil {
			err = c.client.Close() // also closes the TCP conn
		} else {
			err = c.tcp.Close()
		}
	})
	return err
}

func authMethods(creds node.Credentials) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		if signer, err := ssh.ParsePrivateKey(creds.PrivateKey); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	return methods
}

// classifyRunErr maps reader errors onto the command error taxonomy,
// letting context cancellation pass through untouched.
func classifyRunErr(command string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPromptTimeout):
		return &CommandError{Command: command, Timeout: true, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &CommandError{Command: command, Err: err}
	}
}
