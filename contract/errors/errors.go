package errors

// Error codes for the rpc contracts. Keep stable; used across adapters, servicebus and logs.
const (
	ErrCodeHandlerExists       = "servicebus.handler_exists"
	ErrCodeHandlerTypeMismatch = "servicebus.handler_type_mismatch"
	ErrCodePublishFailed       = "servicebus.publish_failed"
	ErrCodeConsumeFailed       = "servicebus.consume_failed"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeMalformedEnvelope   = "servicebus.malformed_envelope"
	ErrCodeInvalidResponse     = "servicebus.invalid_response"
	ErrCodeUnknownAction       = "servicebus.unknown_action"
	ErrCodeMissingField        = "servicebus.missing_field"
	ErrCodeInvalidField        = "servicebus.invalid_field"
	ErrCodeNotFound            = "servicebus.not_found"
	ErrCodeConflict            = "servicebus.conflict"
	ErrCodeUnauthorized        = "servicebus.unauthorized"
	ErrCodeTimeout             = "servicebus.timeout"
	ErrCodeTransportClosed     = "servicebus.transport_closed"
	ErrCodeRetriesExhausted    = "servicebus.retries_exhausted"
	ErrCodeInFlight            = "servicebus.in_flight"
	ErrCodeInvalidConfig       = "servicebus.invalid_config"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrConsumeFailed       = Code(ErrCodeConsumeFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrMalformedEnvelope   = Code(ErrCodeMalformedEnvelope)
	ErrInvalidResponse     = Code(ErrCodeInvalidResponse)
	ErrUnknownAction       = Code(ErrCodeUnknownAction)
	ErrMissingField        = Code(ErrCodeMissingField)
	ErrInvalidField        = Code(ErrCodeInvalidField)
	ErrNotFound            = Code(ErrCodeNotFound)
	ErrConflict            = Code(ErrCodeConflict)
	ErrUnauthorized        = Code(ErrCodeUnauthorized)
	ErrTimeout             = Code(ErrCodeTimeout)
	ErrTransportClosed     = Code(ErrCodeTransportClosed)
	ErrRetriesExhausted    = Code(ErrCodeRetriesExhausted)
	ErrInFlight            = Code(ErrCodeInFlight)
	ErrInvalidConfig       = Code(ErrCodeInvalidConfig)
)
