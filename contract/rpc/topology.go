package rpc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Queue and exchange names are part of the wire contract.
const (
	RequestQueue         = "api.requests"
	ResponseQueue        = "api.responses"
	DeadLetterExchange   = "dead_letter_exchange"
	DeadLetterQueue      = "dead_letter_queue"
	DeadLetterRoutingKey = "dead.letter"

	MessageTTL = 300000 * time.Millisecond
)

// Retry policy constants.
const (
	MaxRetryCount = 3
	BaseDelay     = 1000 * time.Millisecond
)

// Header keys carried on the wire.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalError = "original_error"
	HeaderTimestamp     = "timestamp"
)

// Topology names the durable queues and the dead-letter route.
type Topology struct {
	RequestQueue         string
	ResponseQueue        string
	DeadLetterExchange   string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
}

// DefaultTopology returns the standard names.
func DefaultTopology() Topology {
	return Topology{
		RequestQueue:         RequestQueue,
		ResponseQueue:        ResponseQueue,
		DeadLetterExchange:   DeadLetterExchange,
		DeadLetterQueue:      DeadLetterQueue,
		DeadLetterRoutingKey: DeadLetterRoutingKey,
		MessageTTL:           MessageTTL,
	}
}

// RetryCount reads the retry header. Absent, malformed or negative values count as zero;
// values beyond the int range saturate.
func RetryCount(headers map[string]any) int {
	raw, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}

	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			if u, uerr := strconv.ParseUint(strings.TrimSpace(v), 10, 64); uerr == nil {
				return fromUint(u)
			}

			return 0
		}

		return fromInt(n)
	case []byte:
		return RetryCount(map[string]any{HeaderRetryCount: string(v)})
	case int:
		return fromInt(int64(v))
	case int8:
		return fromInt(int64(v))
	case int16:
		return fromInt(int64(v))
	case int32:
		return fromInt(int64(v))
	case int64:
		return fromInt(v)
	case uint:
		return fromUint(uint64(v))
	case uint8:
		return fromUint(uint64(v))
	case uint16:
		return fromUint(uint64(v))
	case uint32:
		return fromUint(uint64(v))
	case uint64:
		return fromUint(v)
	case float32:
		return fromFloat(float64(v))
	case float64:
		return fromFloat(v)
	default:
		return 0
	}
}

func fromInt(n int64) int {
	if n < 0 {
		return 0
	}

	if uint64(n) > math.MaxInt {
		return math.MaxInt
	}

	return int(n)
}

func fromUint(u uint64) int {
	if u > math.MaxInt {
		return math.MaxInt
	}

	return int(u)
}

func fromFloat(f float64) int {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f >= math.MaxInt:
		return math.MaxInt
	default:
		return int(f)
	}
}

// WithRetryCount returns a copy of headers with the retry counter set to n.
func WithRetryCount(headers map[string]any, n int) map[string]any {
	out := make(map[string]any, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}

	out[HeaderRetryCount] = fmt.Sprint(n)

	return out
}
