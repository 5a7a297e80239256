package domain

import "time"

// SessionState is the lifecycle state of a live quiz session.
type SessionState string

const (
	StateLobby          SessionState = "LOBBY"
	StateActiveQuestion SessionState = "ACTIVE_QUESTION"
	StateReveal         SessionState = "REVEAL"
	StateEnded          SessionState = "ENDED"
)

// Role identifies what kind of client sits behind a socket.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleController  Role = "controller"
	RoleBigScreen   Role = "bigscreen"
)

// ValidRole reports whether r is one of the three connection roles.
func ValidRole(r Role) bool {
	return r == RoleParticipant || r == RoleController || r == RoleBigScreen
}

// Session is the live coordination record for one running quiz.
type Session struct {
	SessionID            string       `json:"sessionId"`
	QuizID               string       `json:"quizId"`
	JoinCode             string       `json:"joinCode"`
	State                SessionState `json:"state"`
	CurrentQuestionIndex int          `json:"currentQuestionIndex"`
	ParticipantCount     int          `json:"participantCount"`
	AllowLateJoiners     bool         `json:"allowLateJoiners"`
	// TimerEndTime is epoch milliseconds; zero means no timer is running.
	TimerEndTime int64     `json:"timerEndTime"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Participant is one player inside a session.
type Participant struct {
	ParticipantID string `json:"participantId"`
	SessionID     string `json:"sessionId"`
	Nickname      string `json:"nickname"`
	TotalScore    int    `json:"totalScore"`
	TotalTimeMs   int64  `json:"totalTimeMs"`
	StreakCount   int    `json:"streakCount"`
	IsActive      bool   `json:"isActive"`
	IsEliminated  bool   `json:"isEliminated"`
	IsBanned      bool   `json:"isBanned"`
	IsSpectator   bool   `json:"isSpectator"`
}

// Answer is one submission by one participant for one question.
// Exactly one of SelectedOptions, AnswerText, AnswerNumber carries the answer.
type Answer struct {
	AnswerID        string    `json:"answerId"`
	SessionID       string    `json:"sessionId"`
	ParticipantID   string    `json:"participantId"`
	QuestionID      string    `json:"questionId"`
	SelectedOptions []string  `json:"selectedOptions,omitempty"`
	AnswerText      string    `json:"answerText,omitempty"`
	AnswerNumber    *float64  `json:"answerNumber,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt"`
	ResponseTimeMs  int64     `json:"responseTimeMs"`
	IsCorrect       bool      `json:"isCorrect"`
	PointsAwarded   int       `json:"pointsAwarded"`
}

// ConnIdentity is the immutable identity a socket acquires at authentication.
// Role and SessionID never change for the lifetime of the connection.
type ConnIdentity struct {
	SocketID      string `json:"socketId"`
	Role          Role   `json:"role"`
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId,omitempty"`
	Nickname      string `json:"nickname,omitempty"`
}

// LeaderboardEntry is a ranked view of one participant.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	Score         int    `json:"score"`
	TotalTimeMs   int64  `json:"totalTimeMs"`
	Rank          int    `json:"rank"`
}

// Leaderboard is the ordered scoreboard for a session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// TimerTick is the payload broadcast each countdown cycle to all three
// audience channels.
type TimerTick struct {
	QuestionID       string `json:"questionId"`
	RemainingSeconds int    `json:"remainingSeconds"`
	ServerTime       int64  `json:"serverTime"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models a question with one or more correct options, or a
// free-text/numeric expected answer.
type Question struct {
	ID               string   `json:"id"`
	Prompt           string   `json:"prompt"`
	Options          []Option `json:"options"`
	ExpectedText     string   `json:"expectedText,omitempty"`
	ExpectedNumber   *float64 `json:"expectedNumber,omitempty"`
	Points           int      `json:"points"` // defaults to 1 if zero
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
}

// Quiz is the authored content a session runs through.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// QuestionAt returns the question at index, or false when out of range.
func (q Quiz) QuestionAt(index int) (Question, bool) {
	if index < 0 || index >= len(q.Questions) {
		return Question{}, false
	}
	return q.Questions[index], true
}
