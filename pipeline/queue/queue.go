// Package queue abstracts the at-least-once job queue between the
// pipeline stages. Any broker with ordered-per-group delivery, visibility
// timeout, and dead-lettering can implement it; the in-memory Broker in
// this package models those semantics for tests and single-process runs.
package queue

import (
	"context"
	"time"
)

// Message is one queued job envelope.
type Message struct {
	ID              string
	Body            []byte
	GroupID         string // partition key; delivery is FIFO within a group
	DeduplicationID string // suppresses duplicate enqueues within the dedup window
	ReceiveCount    int    // deliveries so far, including this one
}

// DeadLetter is a message that exhausted retries or failed permanently,
// preserved with the reason for inspection and replay.
type DeadLetter struct {
	Message *Message
	Reason  string
	At      time.Time
}

// Queue is the at-least-once delivery contract.
//
// Receive blocks until at least one message is available or ctx is done,
// and never delivers two in-flight messages from the same group, which is
// what makes per-concept ordering hold across concurrent consumers.
// A received message must be Acked, Nacked, or DeadLettered; if none
// happens before the visibility timeout, it is redelivered.
type Queue interface {
	Enqueue(ctx context.Context, messages ...*Message) error
	Receive(ctx context.Context, batchSize int) ([]*Message, error)
	Ack(ctx context.Context, message *Message) error
	Nack(ctx context.Context, message *Message) error
	Extend(ctx context.Context, message *Message, d time.Duration) error
	DeadLetter(ctx context.Context, message *Message, reason string) error
}
