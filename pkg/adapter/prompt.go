package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"time"
)

// promptRE matches a typical device prompt (Router>, Switch#, user$) at
// the end of output.
var promptRE = regexp.MustCompile(`\S+[>#$]\s*$`)

// ErrPromptTimeout is returned by ReadUntil when the boundary pattern did
// not arrive in time. The partial output read so far is still returned.
var ErrPromptTimeout = errors.New("timeout waiting for prompt")

const readChunkSize = 1024

// promptReader pumps a transport stream through a single goroutine so
// reads can be bounded by timeouts the underlying pipe does not support.
// Bytes left over from a timed-out read are consumed by the next call.
type promptReader struct {
	chunks chan []byte
	errc   chan error
	done   chan struct{}
	buf    bytes.Buffer
}

func newPromptReader(r io.Reader) *promptReader {
	pr := &promptReader{
		chunks: make(chan []byte, 16),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go func() {
		b := make([]byte, readChunkSize)
		for {
			n, err := r.Read(b)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, b[:n])
				select {
				case pr.chunks <- chunk:
				case <-pr.done:
					return
				}
			}
			if err != nil {
				select {
				case pr.errc <- err:
				case <-pr.done:
				}
				return
			}
		}
	}()
	return pr
}

// stop releases the pump goroutine. Safe to call more than once only via
// Conn.Close, which guards it.
func (p *promptReader) stop() { close(p.done) }

// ReadUntil accumulates output until the last non-empty line matches one
// of the patterns, the timeout elapses, ctx is cancelled, or the stream
// ends. It returns the accumulated output, the index of the matched
// pattern (-1 if none), and the terminating error if any.
func (p *promptReader) ReadUntil(ctx context.Context, timeout time.Duration, patterns ...*regexp.Regexp) (string, int, error) {
	if idx := p.match(patterns); idx >= 0 {
		return p.consume(), idx, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.consume(), -1, ctx.Err()
		case <-timer.C:
			return p.consume(), -1, ErrPromptTimeout
		case chunk := <-p.chunks:
			p.buf.Write(chunk)
			if idx := p.match(patterns); idx >= 0 {
				return p.consume(), idx, nil
			}
		case err := <-p.errc:
			// chunks queued before the stream error must still be seen;
			// a prompt often arrives in the same packet as the close
			p.drainPending()
			if idx := p.match(patterns); idx >= 0 {
				return p.consume(), idx, nil
			}
			return p.consume(), -1, err
		}
	}
}

// DrainUntilClose collects trailing output until the server closes the
// stream or the timeout elapses. It reports whether the server closed.
func (p *promptReader) DrainUntilClose(timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return p.consume(), false
		case chunk := <-p.chunks:
			p.buf.Write(chunk)
		case <-p.errc:
			p.drainPending()
			return p.consume(), true
		}
	}
}

// drainPending moves already-delivered chunks into the buffer without
// blocking.
func (p *promptReader) drainPending() {
	for {
		select {
		case chunk := <-p.chunks:
			p.buf.Write(chunk)
		default:
			return
		}
	}
}

func (p *promptReader) consume() string {
	s := p.buf.String()
	p.buf.Reset()
	return s
}

func (p *promptReader) match(patterns []*regexp.Regexp) int {
	line := lastNonEmptyLine(p.buf.Bytes())
	if line == nil {
		return -1
	}
	for i, re := range patterns {
		if re.Match(line) {
			return i
		}
	}
	return -1
}

func lastNonEmptyLine(b []byte) []byte {
	lines := bytes.Split(b, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return nil
}
