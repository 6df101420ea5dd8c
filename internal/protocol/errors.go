package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error for handling policy. The kind decides whether
// the frame is dropped, degraded to a fallback response, retried, or
// escalates to a session close.
type Kind int

const (
	// KindValidation covers malformed envelopes, bad base64, oversize
	// payloads and conflicting inputs. Surfaced to the client, never retried.
	KindValidation Kind = iota
	// KindTransientExternal covers LLM/HTTP failures and timeouts.
	// Retried with backoff; exhaustion yields canned feedback.
	KindTransientExternal
	// KindInternalProcessing covers codec or extractor failure on a single
	// frame. Degrades to a fallback response.
	KindInternalProcessing
	// KindCapacity covers full queues and a saturated pool. The work is
	// dropped and a counter incremented.
	KindCapacity
	// KindCritical covers unrecoverable conditions. The session is closed.
	KindCritical
	// KindShutdown marks work rejected during the shutdown window.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransientExternal:
		return "transient_external"
	case KindInternalProcessing:
		return "internal_processing"
	case KindCapacity:
		return "capacity"
	case KindCritical:
		return "critical"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Stable error codes surfaced to clients.
const (
	CodeInvalidJSON      = "invalid_json"
	CodeUnknownType      = "unknown_message_type"
	CodeFrameTooLarge    = "frame_too_large"
	CodeInvalidFrameData = "invalid_frame_data"
	CodeInvalidControl   = "invalid_control_action"
	CodeQueueFull        = "queue_full"
	CodePoolAtCapacity   = "pool_at_capacity"
	CodeShuttingDown     = "server_shutting_down"
	CodeProcessingFailed = "processing_failed"
	CodeExtractorFailure = "extractor_failure"
	CodeAnalysisFailed   = "analysis_failed"
	CodeSessionNotFound  = "session_not_found"
	CodeWriteFailed      = "write_failed"
	CodeTooManyErrors    = "too_many_errors"
)

// Error is a classified error with a stable per-occurrence id. The id is
// logged and included in client responses so support can correlate the two.
type Error struct {
	Kind         Kind
	Code         string
	ID           string
	Message      string
	RetryAllowed bool
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s, id=%s): %v", e.Message, e.Code, e.ID, e.Err)
	}
	return fmt.Sprintf("%s (%s, id=%s)", e.Message, e.Code, e.ID)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error wrapping cause (which may be nil).
func E(kind Kind, code, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		ID:      uuid.NewString(),
		Message: message,
		Err:     cause,
		RetryAllowed: kind == KindTransientExternal ||
			kind == KindCapacity ||
			kind == KindInternalProcessing,
	}
}

// AsError extracts a classified error from err's chain, wrapping
// unclassified errors as internal processing failures.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return E(KindInternalProcessing, CodeProcessingFailed, "frame processing failed", err)
}
