package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	errorCodeUnauthenticated          = "unauthenticated"
	errorCodeSessionUnavailable       = "session_unavailable"
	errorCodeDecode                   = "decode_error"
	errorCodeInvalidControl           = "invalid_control"
	errorCodeTranscriptionUnavailable = "transcription_unavailable"
	errorCodeTranscriptionFailed      = "transcription_failed"
	errorCodePersistenceFailed        = "persistence_failed"
	errorCodeMaxDuration              = "max_duration_exceeded"
	errorCodeTooManyFailures          = "too_many_failures"
	errorCodeDisconnected             = "disconnected"

	messageUnauthenticated    = "Invalid authentication token"
	messageSessionUnavailable = "Session not found or not active"
	messageInvalidControl     = "Invalid control message format"

	stopReasonClientClosed        = "client_closed"
	stopReasonEndRequested        = "end_requested"
	stopReasonStopRequested       = "stop_requested"
	stopReasonDisconnected        = "disconnected"
	stopReasonMaxDuration         = "max_duration"
	stopReasonTranscriptionFailed = "transcription_failed"
	stopReasonPersistenceFailed   = "persistence_failed"
	stopReasonTooManyFailures     = "too_many_failures"

	defaultTitleLayout = "2006-01-02 15:04"
)

var (
	ErrServerShutdown  = errors.New("server_shutdown")
	ErrSessionDeleted  = errors.New("session_deleted")
	ErrMaxDuration     = errors.New("maximum session duration exceeded")
	ErrTooManyFailures = errors.New("too many consecutive chunk failures")
	ErrPersistence     = errors.New("checkpoint failed")
)

// DefaultTitle names sessions created without a title.
func DefaultTitle(at time.Time) string {
	return fmt.Sprintf("Audio Session %s", at.Format(defaultTitleLayout))
}

// stopReason names why a stop was requested through ctx cancellation.
func stopReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return stopReasonStopRequested
	}
	return cause.Error()
}

func failureCode(reason string) string {
	switch reason {
	case stopReasonMaxDuration:
		return errorCodeMaxDuration
	case stopReasonTranscriptionFailed:
		return errorCodeTranscriptionFailed
	case stopReasonPersistenceFailed:
		return errorCodePersistenceFailed
	case stopReasonTooManyFailures:
		return errorCodeTooManyFailures
	case stopReasonDisconnected:
		return errorCodeDisconnected
	default:
		return errorCodeTranscriptionFailed
	}
}
