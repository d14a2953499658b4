package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/chatrelay/wire"
)

const (
	kafkaWriteTimeout = 3 * time.Second
)

// Writer publishes relayed messages to the archive topic. It satisfies the
// hub's Producer interface.
type Writer struct {
	w        IKafkaWriter
	maxBytes int
}

func NewWriter(brokers []string, topic string, maxBytes int) *Writer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
	return &Writer{w: w, maxBytes: maxBytes}
}

// Publish writes one message to the topic, keyed by room so a conversation
// stays on one partition and replays in order.
func (p *Writer) Publish(ctx context.Context, msg *wire.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshal message %q: %v", msg.ID, err)
	}
	if p.maxBytes > 0 && len(value) > p.maxBytes {
		return fmt.Errorf("persist: msg exceeds max limit: %d bytes", p.maxBytes)
	}

	km := kafka.Message{
		Key:   []byte(wire.RoomID(msg.SenderID, msg.ReceiverID)),
		Value: value,
	}

	if err := p.w.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	return nil
}

func (p *Writer) Close() error {
	return p.w.Close()
}
