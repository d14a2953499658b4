// Package persist is the asynchronous durable-write path: the hub publishes
// accepted messages to kafka without gating fan-out, and the archiver
// consumes the topic into the chat store with at-least-once semantics.
package persist

import (
	"context"

	"github.com/segmentio/kafka-go"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}
