package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Version1 is the only payload schema version currently produced.
const Version1 = "v1"

// Status is the closed outcome set of a ResponseEnvelope.
type Status string

const (
	StatusOK    Status = "Ok"
	StatusError Status = "Error"
)

// RequestEnvelope is the message the producer publishes on the request queue.
// ID is both the idempotency key and the correlation key; it never changes after creation.
type RequestEnvelope struct {
	ID        uuid.UUID       `json:"id"`
	Version   string          `json:"version"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Auth      string          `json:"auth,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewRequest builds an envelope with a fresh id for action, serializing data as the payload.
func NewRequest(action string, data any, auth string) (RequestEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return RequestEnvelope{}, fmt.Errorf("request %s: %w: %w", action, berr.ErrSerializationFailed, err)
	}

	return RequestEnvelope{
		ID:        uuid.New(),
		Version:   Version1,
		Action:    action,
		Data:      raw,
		Auth:      auth,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode serializes the envelope for the wire.
func (r RequestEnvelope) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w: %w", r.ID, berr.ErrSerializationFailed, err)
	}

	return b, nil
}

// DecodeRequest parses a request body. Any failure wraps errors.ErrMalformedEnvelope:
// the body is not JSON, not an object, or carries no usable id.
// An unknown or empty action is not a decode failure.
func DecodeRequest(body []byte) (RequestEnvelope, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return RequestEnvelope{}, fmt.Errorf("%w: %w", berr.ErrMalformedEnvelope, err)
	}

	if env.ID == uuid.Nil {
		return RequestEnvelope{}, fmt.Errorf("%w: missing id", berr.ErrMalformedEnvelope)
	}

	return env, nil
}

// ResponseEnvelope is the reply correlated to a RequestEnvelope.
// Exactly one of Data and Error is populated, selected by Status.
type ResponseEnvelope struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Status        Status          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OK builds a successful response carrying data.
func OK(id uuid.UUID, data any) (ResponseEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ResponseEnvelope{}, fmt.Errorf("response %s: %w: %w", id, berr.ErrSerializationFailed, err)
	}

	return ResponseEnvelope{
		CorrelationID: id,
		Status:        StatusOK,
		Data:          raw,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Failure builds an error response carrying reason.
func Failure(id uuid.UUID, reason string) ResponseEnvelope {
	if reason == "" {
		reason = "Unknown error"
	}

	return ResponseEnvelope{
		CorrelationID: id,
		Status:        StatusError,
		Error:         reason,
		Timestamp:     time.Now().UTC(),
	}
}

// CachedResult is the payload of a replayed response for an id already in the ledger.
type CachedResult struct {
	Message  string `json:"message"`
	IsCached bool   `json:"is_cached"`
}

// CachedReplay builds the response sent for a duplicate delivery.
func CachedReplay(id uuid.UUID) ResponseEnvelope {
	// CachedResult always marshals.
	resp, _ := OK(id, CachedResult{Message: "Already processed", IsCached: true})

	return resp
}

// OK reports whether the response carries a successful result.
func (r ResponseEnvelope) OK() bool { return r.Status == StatusOK }

// Validate enforces the status/data/error invariant.
func (r ResponseEnvelope) Validate() error {
	switch r.Status {
	case StatusOK:
		if len(r.Data) == 0 || r.Error != "" {
			return fmt.Errorf("%w: Ok response must carry data only", berr.ErrInvalidResponse)
		}
	case StatusError:
		if r.Error == "" || len(r.Data) != 0 {
			return fmt.Errorf("%w: Error response must carry error only", berr.ErrInvalidResponse)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", berr.ErrInvalidResponse, r.Status)
	}

	return nil
}

// Encode serializes the response for the wire.
func (r ResponseEnvelope) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response %s: %w: %w", r.CorrelationID, berr.ErrSerializationFailed, err)
	}

	return b, nil
}

// DecodeResponse parses and validates a response body.
func DecodeResponse(body []byte) (ResponseEnvelope, error) {
	var resp ResponseEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("%w: %w", berr.ErrInvalidResponse, err)
	}

	if err := resp.Validate(); err != nil {
		return ResponseEnvelope{}, err
	}

	return resp, nil
}

// DecodeData unmarshals the result payload of a successful response into v.
func (r ResponseEnvelope) DecodeData(v any) error {
	if !r.OK() {
		return fmt.Errorf("%w: no data on %s response", berr.ErrInvalidResponse, r.Status)
	}

	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%w: %w", berr.ErrInvalidResponse, err)
	}

	return nil
}
