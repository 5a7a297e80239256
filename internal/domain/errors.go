package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no live or durable session matches.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded is returned for operations against an ENDED session.
	ErrSessionEnded = errors.New("session has ended")
	// ErrParticipantNotFound is returned when a participant is unknown to a session.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrParticipantBanned is returned when a banned participant tries to connect.
	ErrParticipantBanned = errors.New("participant is banned")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrJoinCodeNotFound is returned when a join code resolves to nothing.
	ErrJoinCodeNotFound = errors.New("join code not found")
	// ErrRateLimited is returned by the limiter when a window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrServerOverloaded is returned by the admission guard under critical load.
	ErrServerOverloaded = errors.New("server overloaded")
)

// Reject codes carried on connection and message rejections. Machine-readable;
// the paired message is for humans.
const (
	CodeInvalidRole      = "INVALID_ROLE"
	CodeMissingToken     = "MISSING_TOKEN"
	CodeExpiredToken     = "EXPIRED_TOKEN"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeIncompleteToken  = "INCOMPLETE_TOKEN"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeParticipantBan   = "PARTICIPANT_BANNED"
	CodeMissingSession   = "MISSING_SESSION"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeServerOverloaded = "SERVER_OVERLOADED"
	CodeInternal         = "INTERNAL_ERROR"
)

// RejectError is a connection- or message-level rejection with a machine code
// and a human-readable message. RetryAfterSec is non-zero for soft rejects.
type RejectError struct {
	Code          string
	Message       string
	RetryAfterSec int
}

func (e *RejectError) Error() string { return e.Message }

// NewReject builds a terminal rejection.
func NewReject(code, message string) *RejectError {
	return &RejectError{Code: code, Message: message}
}

// NewSoftReject builds a rejection the client may retry after a hint.
func NewSoftReject(code, message string, retryAfterSec int) *RejectError {
	return &RejectError{Code: code, Message: message, RetryAfterSec: retryAfterSec}
}

// AsReject unwraps err into a RejectError when possible.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
