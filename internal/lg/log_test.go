package lg

import (
	"context"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := RegisterFlags(fs, "noderun")
	require.NoError(t, fs.Parse([]string{"-debug", "-log-format=json"}))

	assert.Equal(t, "noderun", cfg.ServiceName)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "json", cfg.Format)
}

func TestNewBuildsLogger(t *testing.T) {
	logger := New(&Config{ServiceName: "test", Format: "json"})
	require.NotNil(t, logger)
	logger.Info("hello", String("k", "v"), Int("n", 1))
	assert.NotNil(t, logger.With(Bool("flag", true)))
}

func TestContextAttachAndLookup(t *testing.T) {
	ctx := context.Background()

	// without an attached logger the fallback must still be usable
	FromContext(ctx).Info("fallback")

	ctx = Attach(ctx, Discard)
	assert.Equal(t, Discard, FromContext(ctx))
}

func TestFlatten(t *testing.T) {
	s := flatten(String("key", "value"), Int("n", 2))
	assert.Contains(t, s, "key")
	assert.Contains(t, s, "value")
}
