/*
Package kafka mirrors dead-lettered rpc messages to a Kafka topic.
The record value is the raw message body; the failure reason, source queue and
timestamp travel as record headers, next to the broker headers of the message.
*/
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// DefaultTopic receives dead letters when no topic is configured.
const DefaultTopic = "rpc.dead_letters"

// Record header keys.
const (
	HeaderReason = rpc.HeaderOriginalError
	HeaderAt     = rpc.HeaderTimestamp
	HeaderSource = "source_queue"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt any client to this; NewWithKgo provides a franz-go one.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Sink implements rpc.DeadLetterSink using an injected Writer.
type Sink struct {
	Writer Writer
	Topic  string
}

var _ rpc.DeadLetterSink = (*Sink)(nil)

// New creates a Sink writing to topic; an empty topic selects DefaultTopic.
func New(w Writer, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Sink{Writer: w, Topic: topic}
}

func (s *Sink) Archive(ctx context.Context, dl rpc.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.Writer == nil {
		return fmt.Errorf("kafka archive: %w", berr.ErrPublishFailed)
	}

	if err := s.Writer.Write(ctx, s.Topic, nil, dl.Body, recordHeaders(dl)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// separate return from preceding multi-line block (wsl)
		return fmt.Errorf("kafka archive write: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func recordHeaders(dl rpc.DeadLetter) map[string]string {
	h := make(map[string]string, len(dl.Headers)+3)
	for k, v := range dl.Headers {
		h[k] = fmt.Sprint(v)
	}

	h[HeaderReason] = dl.Reason
	h[HeaderSource] = dl.Source

	if !dl.At.IsZero() {
		h[HeaderAt] = dl.At.UTC().Format(time.RFC3339Nano)
	}

	return h
}
