package domain

// Client->server event names.
const (
	EventAuthenticate     = "authenticate"
	EventSubmitAnswer     = "submit_answer"
	EventStartQuiz        = "start_quiz"
	EventNextQuestion     = "next_question"
	EventEndQuiz          = "end_quiz"
	EventVoidQuestion     = "void_question"
	EventPauseTimer       = "pause_timer"
	EventResumeTimer      = "resume_timer"
	EventResetTimer       = "reset_timer"
	EventKickParticipant  = "kick_participant"
	EventBanParticipant   = "ban_participant"
	EventToggleLateJoin   = "toggle_late_joiners"
	EventReconnectSession = "reconnect_session"
)

// Server->client event names.
const (
	EventTimerTick       = "timer_tick"
	EventValidationError = "validation_error"
	EventError           = "error"
	EventAuthenticated   = "authenticated"
	EventAnswerAck       = "answer_ack"
	EventQuizStarted     = "quiz_started"
	EventQuestionStarted = "question_started"
	EventRevealAnswers   = "reveal_answers"
	EventQuestionVoided  = "question_voided"
	EventQuizEnded       = "quiz_ended"
	EventParticipantJoin = "participant_joined"
	EventParticipantLeft = "participant_left"
	EventLeaderboard     = "leaderboard_update"
	EventSessionSync     = "session_sync"
	EventKicked          = "kicked"
	EventBanned          = "banned"
)
