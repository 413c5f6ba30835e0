package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/session"
)

const kafkaWriteTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Event is the JSON envelope published to the results topic.
type Event struct {
	Kind    string                 `json:"kind"` // "command" or "outcome"
	Command *session.CommandResult `json:"command,omitempty"`
	Outcome *session.Outcome       `json:"outcome,omitempty"`
}

// Kafka publishes every event to a topic. The underlying writer is safe
// for concurrent use, so sessions share one.
type Kafka struct {
	writer messageWriter
	log    lg.Logger
}

func NewKafka(brokers []string, topic string, logger lg.Logger) *Kafka {
	if logger == nil {
		logger = lg.Discard
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		log: logger,
	}
}

func (k *Kafka) RecordCommand(res session.CommandResult) {
	k.publish(Event{Kind: "command", Command: &res}, res.RunID[:], res.NodeID)
}

func (k *Kafka) RecordOutcome(out session.Outcome) {
	k.publish(Event{Kind: "outcome", Outcome: &out}, out.RunID[:], out.NodeID)
}

// publish is fire-and-forget from the session's point of view: a broker
// problem is logged, never surfaced into the run.
func (k *Kafka) publish(ev Event, key []byte, nodeID string) {
	value, err := json.Marshal(ev)
	if err != nil {
		k.log.Error("marshal event", lg.String("node", nodeID), lg.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		k.log.Error("publish event", lg.String("node", nodeID), lg.Err(err))
	}
}

func (k *Kafka) Close() error { return k.writer.Close() }
