package adapter

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUntilMatchesPromptAcrossChunks(t *testing.T) {
	r, w := io.Pipe()
	pr := newPromptReader(r)
	defer pr.stop()

	go func() {
		io.WriteString(w, "interface up\nuptime 4 days\nRout")
		time.Sleep(5 * time.Millisecond)
		io.WriteString(w, "er# ")
	}()

	out, idx, err := pr.ReadUntil(context.Background(), time.Second, promptRE)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "interface up\nuptime 4 days\nRouter# ", out)
}

func TestReadUntilTimeoutReturnsPartialOutput(t *testing.T) {
	r, w := io.Pipe()
	pr := newPromptReader(r)
	defer pr.stop()

	go io.WriteString(w, "still booting")

	out, idx, err := pr.ReadUntil(context.Background(), 30*time.Millisecond, promptRE)
	require.ErrorIs(t, err, ErrPromptTimeout)
	assert.Equal(t, -1, idx)
	assert.Equal(t, "still booting", out)

	// the stream stays usable after a timeout
	go io.WriteString(w, "\nswitch# ")
	out, idx, err = pr.ReadUntil(context.Background(), time.Second, promptRE)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "\nswitch# ", out)
}

func TestReadUntilReportsMatchedPattern(t *testing.T) {
	r, w := io.Pipe()
	pr := newPromptReader(r)
	defer pr.stop()

	go io.WriteString(w, "Password: ")

	_, idx, err := pr.ReadUntil(context.Background(), time.Second, promptRE, passwordPromptRE)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestReadUntilHonoursCancellation(t *testing.T) {
	r, _ := io.Pipe()
	pr := newPromptReader(r)
	defer pr.stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := pr.ReadUntil(ctx, time.Minute, promptRE)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDrainUntilClose(t *testing.T) {
	r, w := io.Pipe()
	pr := newPromptReader(r)
	defer pr.stop()

	go func() {
		io.WriteString(w, "logging out\nGoodbye.")
		w.Close()
	}()

	out, closed := pr.DrainUntilClose(time.Second)
	assert.True(t, closed)
	assert.Equal(t, "logging out\nGoodbye.", out)
}

func TestDrainUntilCloseTimesOut(t *testing.T) {
	r, w := io.Pipe()
	pr := newPromptReader(r)
	defer pr.stop()

	go io.WriteString(w, "server keeps talking")

	_, closed := pr.DrainUntilClose(30 * time.Millisecond)
	assert.False(t, closed)
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, []byte("switch#"), lastNonEmptyLine([]byte("a\nb\nswitch#\n  \n")))
	assert.Equal(t, []byte("only"), lastNonEmptyLine([]byte("only")))
	assert.Nil(t, lastNonEmptyLine([]byte(" \n \n")))
	assert.Nil(t, lastNonEmptyLine(nil))
}
