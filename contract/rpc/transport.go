package rpc

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is what gets published. Persistent asks the broker to store it durably.
type Message struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	Headers       map[string]any
	Persistent    bool
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery is a consumed Message plus the handle used to settle it.
// Every delivery must end in exactly one Ack or Reject.
type Delivery struct {
	Message
	Acker Acknowledger
}

// Ack confirms the delivery. A delivery without an Acker is a no-op.
func (d Delivery) Ack() error {
	if d.Acker == nil {
		return nil
	}

	return d.Acker.Ack()
}

// Reject refuses the delivery, optionally returning it to its queue.
func (d Delivery) Reject(requeue bool) error {
	if d.Acker == nil {
		return nil
	}

	return d.Acker.Reject(requeue)
}

// Publisher publishes a message. An empty exchange routes to the queue named routingKey.
// Implementations must be safe for concurrent use and serialize writes if the broker requires it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
}

// Transport is the broker surface the consumer and the rpc client need.
//
// Consume streams deliveries from queue until ctx is cancelled, then closes the channel.
// The channel also closes if the broker connection is lost.
// DeclareReplyQueue creates a private, exclusive, auto-deleting queue and returns its name.
type Transport interface {
	Publisher
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	DeclareReplyQueue(ctx context.Context) (string, error)
	DeleteQueue(ctx context.Context, name string) error
}

// DeadLetter is an archived copy of a message the consumer gave up on.
type DeadLetter struct {
	Body    []byte
	Reason  string
	Source  string
	At      time.Time
	Headers map[string]any
}

// DeadLetterSink mirrors dead letters somewhere outside the broker for offline inspection.
type DeadLetterSink interface {
	Archive(ctx context.Context, dl DeadLetter) error
}

// Ledger records which request ids completed successfully.
//
// Claim atomically reserves id for the caller and reports false when id is already
// reserved or processed. MarkProcessed turns a claim into a permanent record; Release
// drops a claim after a failed attempt so a later delivery can try again.
// Once MarkProcessed returns, IsProcessed reports true for id.
type Ledger interface {
	IsProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID) error
}

// CredentialProvider supplies the shared secret trusted producers put in RequestEnvelope.Auth.
type CredentialProvider interface {
	SharedSecret(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialProvider returning a fixed secret.
type StaticCredential string

func (s StaticCredential) SharedSecret(context.Context) (string, error) { return string(s), nil }
