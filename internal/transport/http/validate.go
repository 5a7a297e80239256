package http

import (
	"encoding/json"

	"quizlive/internal/domain"
)

// FieldError names one offending field in a rejected event payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validator checks one event payload; a nil/empty result means valid.
type validator func(payload json.RawMessage) []FieldError

// eventSchemas maps event name -> validator. Events without a registered
// schema pass through unchanged, which keeps unknown events forward
// compatible.
var eventSchemas = map[string]validator{
	domain.EventSubmitAnswer:     validateSubmitAnswer,
	domain.EventStartQuiz:        validateSessionOnly,
	domain.EventNextQuestion:     validateSessionOnly,
	domain.EventEndQuiz:          validateSessionOnly,
	domain.EventPauseTimer:       validateSessionOnly,
	domain.EventResumeTimer:      validateSessionOnly,
	domain.EventResetTimer:       validateResetTimer,
	domain.EventVoidQuestion:     validateVoidQuestion,
	domain.EventKickParticipant:  validateModeration,
	domain.EventBanParticipant:   validateModeration,
	domain.EventToggleLateJoin:   validateToggleLateJoiners,
	domain.EventReconnectSession: validateReconnect,
}

// validate runs the registered schema for event, if any.
func validate(event string, payload json.RawMessage) []FieldError {
	v, ok := eventSchemas[event]
	if !ok {
		return nil
	}
	return v(payload)
}

const (
	maxTextAnswerLen = 500
	maxReasonLen     = 200
	minTimerSeconds  = 5
	maxTimerSeconds  = 120
)

type submitAnswerPayload struct {
	QuestionID      string   `json:"questionId"`
	SelectedOptions []string `json:"selectedOptions"`
	AnswerText      string   `json:"answerText"`
	AnswerNumber    *float64 `json:"answerNumber"`
	ClientTimestamp int64    `json:"clientTimestamp"`
}

func validateSubmitAnswer(payload json.RawMessage) []FieldError {
	var p submitAnswerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []FieldError{{Field: "payload", Message: "malformed JSON payload"}}
	}
	var errs []FieldError
	if p.QuestionID == "" {
		errs = append(errs, FieldError{Field: "questionId", Message: "questionId is required"})
	}
	hasOptions := len(p.SelectedOptions) > 0
	hasText := p.AnswerText != ""
	hasNumber := p.AnswerNumber != nil
	if !hasOptions && !hasText && !hasNumber {
		errs = append(errs, FieldError{Field: "selectedOptions", Message: "at least one answer form is required"})
	}
	for _, id := range p.SelectedOptions {
		if id == "" {
			errs = append(errs, FieldError{Field: "selectedOptions", Message: "option ids must be non-empty"})
			break
		}
	}
	if len(p.AnswerText) > maxTextAnswerLen {
		errs = append(errs, FieldError{Field: "answerText", Message: "answer text exceeds maximum length"})
	}
	if p.ClientTimestamp <= 0 {
		errs = append(errs, FieldError{Field: "clientTimestamp", Message: "clientTimestamp must be a positive integer"})
	}
	return errs
}

type sessionOnlyPayload struct {
	SessionID string `json:"sessionId"`
}

func validateSessionOnly(payload json.RawMessage) []FieldError {
	var p sessionOnlyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []FieldError{{Field: "payload", Message: "malformed JSON payload"}}
	}
	if p.SessionID == "" {
		return []FieldError{{Field: "sessionId", Message: "sessionId is required"}}
	}
	return nil
}

type resetTimerPayload struct {
	SessionID        string `json:"sessionId"`
	TimeLimitSeconds int    `json:"timeLimitSeconds"`
}

func validateResetTimer(payload json.RawMessage) []FieldError {
	var p resetTimerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []FieldError{{Field: "payload", Message: "malformed JSON payload"}}
	}
	var errs []FieldError
	if p.SessionID == "" {
		errs = append(errs, FieldError{Field: "sessionId", Message: "sessionId is required"})
	}
	if p.TimeLimitSeconds < minTimerSeconds || p.TimeLimitSeconds > maxTimerSeconds {
		errs = append(errs, FieldError{Field: "timeLimitSeconds", Message: "timeLimitSeconds must be between 5 and 120"})
	}
	return errs
}

type voidQuestionPayload struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	Reason     string `json:"reason"`
}

func validateVoidQuestion(payload json.RawMessage) []FieldError {
	var p voidQuestionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []FieldError{{Field: "payload", Message: "malformed JSON payload"}}
	}
	var errs []FieldError
	if p.SessionID == "" {
		errs = append(errs, FieldError{Field: "sessionId", Message: "sessionId is required"})
	}
	if p.QuestionID == "" {
		errs = append(errs, FieldError{Field: "questionId", Message: "questionId is required"})
	}
	errs = append(errs, validateReason(p.Reason)...)
	return errs
}

type moderationPayload struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason"`
}

func validateModeration(payload json.RawMessage) []FieldError {
	var p moderationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []FieldError{{Field: "payload", Message: "malformed JSON payload"}}
	}
	var errs []FieldError
	if p.SessionID == "" {
		errs = append(errs, FieldError{Field: "sessionId", Message: "sessionId is required"})
	}
	if p.ParticipantID == "" {
		errs = append(errs, FieldError{Field: "participantId", Message: "participantId is required"})
	}
	errs = append(errs, validateReason(p.Reason)...)
	return errs
}

func validateReason(reason string) []FieldError {
	if reason == "" {
		return []FieldError{{Field: "reason", Message: "reason is required"}}
	}
	if len(reason) > maxReasonLen {
		return []FieldError{{Field: "reason", Message: "reason exceeds maximum length"}}
	}
	return nil
}

type toggleLateJoinersPayload struct {
	SessionID string `json:"sessionId"`
	Allow     *bool  `json:"allow"`
}

func validateToggleLateJoiners(payload json.RawMessage) []FieldError {
	var p toggleLateJoinersPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []FieldError{{Field: "payload", Message: "malformed JSON payload"}}
	}
	var errs []FieldError
	if p.SessionID == "" {
		errs = append(errs, FieldError{Field: "sessionId", Message: "sessionId is required"})
	}
	if p.Allow == nil {
		errs = append(errs, FieldError{Field: "allow", Message: "allow is required"})
	}
	return errs
}

type reconnectPayload struct {
	SessionID      string `json:"sessionId"`
	ParticipantID  string `json:"participantId"`
	LastQuestionID string `json:"lastQuestionId"`
}

func validateReconnect(payload json.RawMessage) []FieldError {
	var p reconnectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []FieldError{{Field: "payload", Message: "malformed JSON payload"}}
	}
	var errs []FieldError
	if p.SessionID == "" {
		errs = append(errs, FieldError{Field: "sessionId", Message: "sessionId is required"})
	}
	if p.ParticipantID == "" {
		errs = append(errs, FieldError{Field: "participantId", Message: "participantId is required"})
	}
	return errs
}
