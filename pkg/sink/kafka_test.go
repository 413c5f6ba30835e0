package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/session"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublishesEnvelopes(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, log: lg.Discard}

	runID := uuid.New()
	k.RecordCommand(session.CommandResult{
		RunID: runID, NodeID: "switch-01", Phase: session.PhaseCycle, Cycle: 2,
		Command: "show version", Output: "IOS 15.2", Status: session.StatusOK,
	})
	k.RecordOutcome(session.Outcome{
		RunID: runID, NodeID: "switch-01", Final: session.Completed, CyclesCompleted: 3,
	})

	require.Len(t, w.messages, 2)
	// all of one run's events share a key, so they land on one partition
	assert.Equal(t, runID[:], w.messages[0].Key)
	assert.Equal(t, runID[:], w.messages[1].Key)

	var ev Event
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &ev))
	require.Equal(t, "command", ev.Kind)
	require.NotNil(t, ev.Command)
	assert.Equal(t, "show version", ev.Command.Command)
	assert.Equal(t, 2, ev.Command.Cycle)
	assert.Nil(t, ev.Outcome)

	require.NoError(t, json.Unmarshal(w.messages[1].Value, &ev))
	require.Equal(t, "outcome", ev.Kind)
	require.NotNil(t, ev.Outcome)
	assert.Equal(t, session.Completed, ev.Outcome.Final)
	assert.Equal(t, 3, ev.Outcome.CyclesCompleted)
}

func TestKafkaBrokerErrorsAreSwallowed(t *testing.T) {
	w := &fakeWriter{err: fmt.Errorf("broker unreachable")}
	k := &Kafka{writer: w, log: lg.Discard}

	// must not panic or block the session
	k.RecordCommand(session.CommandResult{NodeID: "n1", Command: "show version"})
	k.RecordOutcome(session.Outcome{NodeID: "n1", Final: session.FailedConnect})
	assert.Empty(t, w.messages)
}

func TestKafkaClose(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, log: lg.Discard}
	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}
