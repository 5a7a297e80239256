package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quizlive/internal/audit"
	"quizlive/internal/domain"
	"quizlive/internal/fanout"
	"quizlive/internal/timer"
)

// SessionService drives the session lifecycle: LOBBY -> ACTIVE_QUESTION ->
// REVEAL -> ... -> ENDED. It is constructed once per process and handed by
// reference into every handler.
type SessionService struct {
	sessions     SessionStore
	participants ParticipantStore
	leaderboard  LeaderboardStore
	answers      AnswerBuffer
	joinCodes    JoinCodeStore
	quizzes      QuizRepository
	durable      DurableStore
	bus          fanout.Bus
	timers       *timer.Manager
	auditSink    audit.Sink
	logger       *slog.Logger

	defaultTimeLimit time.Duration
	clock            func() time.Time
}

type SessionServiceDeps struct {
	Sessions     SessionStore
	Participants ParticipantStore
	Leaderboard  LeaderboardStore
	Answers      AnswerBuffer
	JoinCodes    JoinCodeStore
	Quizzes      QuizRepository
	Durable      DurableStore // may be nil
	Bus          fanout.Bus
	Timers       *timer.Manager
	AuditSink    audit.Sink
	Logger       *slog.Logger

	DefaultTimeLimit time.Duration
}

func NewSessionService(deps SessionServiceDeps) *SessionService {
	if deps.DefaultTimeLimit <= 0 {
		deps.DefaultTimeLimit = 30 * time.Second
	}
	return &SessionService{
		sessions:         deps.Sessions,
		participants:     deps.Participants,
		leaderboard:      deps.Leaderboard,
		answers:          deps.Answers,
		joinCodes:        deps.JoinCodes,
		quizzes:          deps.Quizzes,
		durable:          deps.Durable,
		bus:              deps.Bus,
		timers:           deps.Timers,
		auditSink:        deps.AuditSink,
		logger:           deps.Logger.With("component", "session"),
		defaultTimeLimit: deps.DefaultTimeLimit,
		clock:            time.Now,
	}
}

// GetSession exposes the cache-first read for auth and handlers.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

// CreateSession sets up a session for a quiz: durable write, cache write,
// join code mint. The session starts in LOBBY.
func (s *SessionService) CreateSession(ctx context.Context, quizID string) (domain.Session, error) {
	if _, err := s.quizzes.GetQuiz(ctx, quizID); err != nil {
		return domain.Session{}, err
	}

	session := domain.Session{
		SessionID:            uuid.NewString(),
		QuizID:               quizID,
		State:                domain.StateLobby,
		CurrentQuestionIndex: -1,
		AllowLateJoiners:     true,
		CreatedAt:            s.clock(),
	}
	code, err := s.joinCodes.Mint(ctx, session.SessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("mint join code: %w", err)
	}
	session.JoinCode = code

	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return domain.Session{}, err
	}
	s.writeDurableSession(ctx, session)

	s.logger.Info("quiz session created", "sessionId", session.SessionID, "quizId", quizID, "joinCode", code)
	return session, nil
}

// StartQuiz begins a lobby's quiz: announces the start and moves to the
// first question.
func (s *SessionService) StartQuiz(ctx context.Context, sessionID string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State == domain.StateEnded {
		return domain.ErrSessionEnded
	}
	s.broadcast(ctx, sessionID, domain.EventQuizStarted, map[string]any{
		"sessionId": sessionID,
		"quizId":    session.QuizID,
	})
	_, err = s.NextQuestion(ctx, sessionID)
	return err
}

// NextQuestion advances to the next question and starts its countdown. The
// countdown's expiry flips the session to REVEAL and runs the scoring flush.
func (s *SessionService) NextQuestion(ctx context.Context, sessionID string) (domain.Question, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Question{}, err
	}
	if session.State == domain.StateEnded {
		return domain.Question{}, domain.ErrSessionEnded
	}

	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Question{}, err
	}
	index := session.CurrentQuestionIndex + 1
	question, ok := quiz.QuestionAt(index)
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}

	// A controller may advance before the current countdown expires; the
	// stale timer must not fire a reveal into the new question.
	if prev, ok := quiz.QuestionAt(session.CurrentQuestionIndex); ok {
		s.timers.Stop(sessionID, prev.ID)
	}

	if err := s.sessions.SetCurrentQuestion(ctx, sessionID, index); err != nil {
		return domain.Question{}, err
	}
	if err := s.sessions.UpdateState(ctx, sessionID, domain.StateActiveQuestion); err != nil {
		return domain.Question{}, err
	}
	session.CurrentQuestionIndex = index
	session.State = domain.StateActiveQuestion
	s.writeDurableSession(ctx, session)

	limit := s.defaultTimeLimit
	if question.TimeLimitSeconds > 0 {
		limit = time.Duration(question.TimeLimitSeconds) * time.Second
	}
	questionID := question.ID
	s.timers.Start(ctx, sessionID, questionID, limit, func() {
		if err := s.Reveal(context.Background(), sessionID, questionID); err != nil {
			s.logger.Error("reveal after expiry failed", "sessionId", sessionID, "questionId", questionID, "err", err)
		}
	})

	s.broadcast(ctx, sessionID, domain.EventQuestionStarted, publicQuestion(question, index, limit))
	return question, nil
}

// Reveal closes the active question: flips state, drains the buffer through
// the scoring pipeline, refreshes the leaderboard, persists scored answers.
func (s *SessionService) Reveal(ctx context.Context, sessionID, questionID string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.UpdateState(ctx, sessionID, domain.StateReveal); err != nil {
		return err
	}
	session.State = domain.StateReveal
	s.writeDurableSession(ctx, session)

	scored, err := s.scoreFlush(ctx, session, questionID)
	if err != nil {
		s.logger.Error("scoring flush failed", "sessionId", sessionID, "questionId", questionID, "err", err)
	}

	s.broadcast(ctx, sessionID, domain.EventRevealAnswers, map[string]any{
		"questionId": questionID,
		"answers":    scored,
	})
	s.publishLeaderboard(ctx, sessionID)
	return nil
}

// EndQuiz terminates the session: stops timers, final scoring state, durable
// persistence, cache teardown. Terminal; the session never leaves ENDED.
func (s *SessionService) EndQuiz(ctx context.Context, sessionID string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.timers.StopAllForSession(sessionID)

	session.State = domain.StateEnded
	s.writeDurableSession(ctx, session)

	top, _ := s.leaderboard.TopK(ctx, sessionID, 10)
	s.broadcast(ctx, sessionID, domain.EventQuizEnded, map[string]any{
		"sessionId":   sessionID,
		"leaderboard": top,
	})

	// Cache teardown; the durable row is the record from here on.
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Error("session cache delete failed", "sessionId", sessionID, "err", err)
	}
	if err := s.leaderboard.DeleteLeaderboard(ctx, sessionID); err != nil {
		s.logger.Error("leaderboard delete failed", "sessionId", sessionID, "err", err)
	}
	if session.JoinCode != "" {
		if err := s.joinCodes.Release(ctx, session.JoinCode); err != nil {
			s.logger.Error("join code release failed", "sessionId", sessionID, "err", err)
		}
	}
	s.logger.Info("quiz session ended", "sessionId", sessionID)
	return nil
}

// VoidQuestion cancels the active question: its timer stops and its buffered
// answers are discarded unscored.
func (s *SessionService) VoidQuestion(ctx context.Context, sessionID, questionID, reason string) error {
	s.timers.Stop(sessionID, questionID)
	if _, err := s.answers.Flush(ctx, sessionID); err != nil {
		s.logger.Error("void flush failed", "sessionId", sessionID, "err", err)
	}
	if err := s.sessions.UpdateState(ctx, sessionID, domain.StateReveal); err != nil {
		return err
	}
	s.auditSink.Record(ctx, audit.Event{
		Kind:      audit.KindModeration,
		SessionID: sessionID,
		Reason:    "question_voided",
		Details:   map[string]any{"questionId": questionID, "why": reason},
	})
	s.broadcast(ctx, sessionID, domain.EventQuestionVoided, map[string]any{
		"questionId": questionID,
		"reason":     reason,
	})
	return nil
}

// PauseTimer suspends the active question countdown.
func (s *SessionService) PauseTimer(ctx context.Context, sessionID string) error {
	questionID, err := s.activeQuestionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.timers.Pause(sessionID, questionID) {
		return domain.ErrQuestionNotFound
	}
	return nil
}

// ResumeTimer restarts a paused countdown from its original deadline.
func (s *SessionService) ResumeTimer(ctx context.Context, sessionID string) error {
	questionID, err := s.activeQuestionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.timers.Resume(sessionID, questionID) {
		return domain.ErrQuestionNotFound
	}
	return nil
}

// ResetTimer restarts the active countdown with a fresh limit.
func (s *SessionService) ResetTimer(ctx context.Context, sessionID string, limit time.Duration) error {
	questionID, err := s.activeQuestionID(ctx, sessionID)
	if err != nil {
		return err
	}
	s.timers.Reset(ctx, sessionID, questionID, limit, func() {
		if err := s.Reveal(context.Background(), sessionID, questionID); err != nil {
			s.logger.Error("reveal after expiry failed", "sessionId", sessionID, "questionId", questionID, "err", err)
		}
	})
	return nil
}

// KickParticipant removes a participant from the live session. The fanout
// carries a targeted event so whichever process owns the socket disconnects it.
func (s *SessionService) KickParticipant(ctx context.Context, sessionID, participantID, reason string) error {
	if err := s.participants.SetActive(ctx, sessionID, participantID, false); err != nil {
		s.logger.Error("kick: set inactive failed", "participantId", participantID, "err", err)
	}
	if err := s.leaderboard.RemoveParticipant(ctx, sessionID, participantID); err != nil {
		s.logger.Error("kick: leaderboard remove failed", "participantId", participantID, "err", err)
	}
	s.auditSink.Record(ctx, audit.Event{
		Kind:          audit.KindModeration,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Reason:        "kicked",
		Details:       map[string]any{"why": reason},
	})
	s.broadcast(ctx, sessionID, domain.EventKicked, map[string]any{
		"participantId": participantID,
		"reason":        reason,
	})
	return nil
}

// BanParticipant is a kick plus a durable ban flag, so reconnects with a
// still-valid token are refused.
func (s *SessionService) BanParticipant(ctx context.Context, sessionID, participantID, reason string) error {
	if err := s.participants.SetBanned(ctx, sessionID, participantID, true); err != nil {
		return err
	}
	if s.durable != nil {
		if err := s.durable.SetParticipantBanned(ctx, sessionID, participantID, true); err != nil {
			s.logger.Error("durable ban failed", "participantId", participantID, "err", err)
		}
	}
	if err := s.leaderboard.RemoveParticipant(ctx, sessionID, participantID); err != nil {
		s.logger.Error("ban: leaderboard remove failed", "participantId", participantID, "err", err)
	}
	s.auditSink.Record(ctx, audit.Event{
		Kind:          audit.KindModeration,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Reason:        "banned",
		Details:       map[string]any{"why": reason},
	})
	s.broadcast(ctx, sessionID, domain.EventBanned, map[string]any{
		"participantId": participantID,
		"reason":        reason,
	})
	return nil
}

// ToggleLateJoiners flips whether new participants may join mid-quiz.
func (s *SessionService) ToggleLateJoiners(ctx context.Context, sessionID string, allow bool) error {
	return s.sessions.SetAllowLateJoiners(ctx, sessionID, allow)
}

// Reconnect rebuilds a participant's view after a dropped connection: the
// session snapshot plus remaining time derived from the persisted deadline.
func (s *SessionService) Reconnect(ctx context.Context, sessionID, participantID string) (domain.Session, int, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, 0, err
	}
	if _, err := s.participants.GetParticipant(ctx, sessionID, participantID); err != nil {
		return domain.Session{}, 0, err
	}

	remaining := 0
	if session.TimerEndTime > 0 {
		ms := session.TimerEndTime - s.clock().UnixMilli()
		if ms > 0 {
			remaining = int((ms + 999) / 1000)
		}
	}
	return session, remaining, nil
}

// RegisterPresence runs when a participant socket authenticates: bumps the
// live count, refreshes the participant record, announces the join.
func (s *SessionService) RegisterPresence(ctx context.Context, identity domain.ConnIdentity) {
	count, err := s.sessions.IncrParticipantCount(ctx, identity.SessionID, 1)
	if err != nil {
		s.logger.Error("participant count incr failed", "sessionId", identity.SessionID, "err", err)
	}
	if err := s.participants.SetActive(ctx, identity.SessionID, identity.ParticipantID, true); err != nil {
		s.logger.Error("set active failed", "participantId", identity.ParticipantID, "err", err)
	}
	s.broadcast(ctx, identity.SessionID, domain.EventParticipantJoin, map[string]any{
		"participantId":    identity.ParticipantID,
		"nickname":         identity.Nickname,
		"participantCount": count,
	})
}

// ReleasePresence runs on participant disconnect, whatever the reason.
func (s *SessionService) ReleasePresence(ctx context.Context, identity domain.ConnIdentity) {
	count, err := s.sessions.IncrParticipantCount(ctx, identity.SessionID, -1)
	if err != nil {
		s.logger.Error("participant count decr failed", "sessionId", identity.SessionID, "err", err)
	}
	if err := s.participants.SetActive(ctx, identity.SessionID, identity.ParticipantID, false); err != nil {
		s.logger.Error("set inactive failed", "participantId", identity.ParticipantID, "err", err)
	}
	s.broadcast(ctx, identity.SessionID, domain.EventParticipantLeft, map[string]any{
		"participantId":    identity.ParticipantID,
		"nickname":         identity.Nickname,
		"participantCount": count,
	})
}

// Leaderboard returns the current top K standing.
func (s *SessionService) Leaderboard(ctx context.Context, sessionID string, k int) ([]domain.LeaderboardEntry, error) {
	return s.leaderboard.TopK(ctx, sessionID, k)
}

func (s *SessionService) activeQuestionID(ctx context.Context, sessionID string) (string, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return "", err
	}
	question, ok := quiz.QuestionAt(session.CurrentQuestionIndex)
	if !ok {
		return "", domain.ErrQuestionNotFound
	}
	return question.ID, nil
}

func (s *SessionService) writeDurableSession(ctx context.Context, session domain.Session) {
	if s.durable == nil {
		return
	}
	if err := s.durable.SaveSession(ctx, session); err != nil {
		// Eventual consistency: the cache stays authoritative for the live
		// session; the failure is logged for reconciliation.
		s.logger.Error("durable session write failed", "sessionId", session.SessionID, "err", err)
	}
}

// broadcast sends one event to all three audience channels of a session.
func (s *SessionService) broadcast(ctx context.Context, sessionID, event string, payload any) {
	for _, channel := range fanout.SessionChannels(sessionID) {
		if err := s.bus.Publish(ctx, channel, event, payload); err != nil {
			s.logger.Error("broadcast failed", "event", event, "channel", channel, "err", err)
		}
	}
}

func (s *SessionService) publishLeaderboard(ctx context.Context, sessionID string) {
	top, err := s.leaderboard.TopK(ctx, sessionID, 10)
	if err != nil {
		s.logger.Error("leaderboard read failed", "sessionId", sessionID, "err", err)
		return
	}
	s.broadcast(ctx, sessionID, domain.EventLeaderboard, domain.Leaderboard{
		SessionID: sessionID,
		Entries:   top,
		UpdatedAt: s.clock(),
	})
}

// publicQuestion strips answer keys before the question goes out to clients.
func publicQuestion(q domain.Question, index int, limit time.Duration) map[string]any {
	options := make([]map[string]string, 0, len(q.Options))
	for _, opt := range q.Options {
		options = append(options, map[string]string{"id": opt.ID, "text": opt.Text})
	}
	return map[string]any{
		"questionId":       q.ID,
		"index":            index,
		"prompt":           q.Prompt,
		"options":          options,
		"timeLimitSeconds": int(limit.Seconds()),
	}
}
