// Package postgres is the durable system of record: final scores, audit
// trail, quiz content. Live traffic goes through the Redis stores; this
// package serves cache misses and end-of-session persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quizlive/internal/domain"
)

// Store wraps the connection pool with the query shapes the core relies on.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SaveSession upserts the durable session record; called on creation and on
// every state transition (dual-write beside the cache).
func (s *Store) SaveSession(ctx context.Context, session domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, quiz_id, join_code, state, current_question_index, participant_count, timer_end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			current_question_index = EXCLUDED.current_question_index,
			participant_count = EXCLUDED.participant_count,
			timer_end_time = EXCLUDED.timer_end_time`,
		session.SessionID, session.QuizID, session.JoinCode, string(session.State),
		session.CurrentQuestionIndex, session.ParticipantCount, session.TimerEndTime, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.SessionID, err)
	}
	return nil
}

// FindSession fetches one session by id.
func (s *Store) FindSession(ctx context.Context, sessionID string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT quiz_id, join_code, state, current_question_index, participant_count, timer_end_time, created_at
		FROM sessions WHERE id = $1`, sessionID)
	session := domain.Session{SessionID: sessionID}
	var state string
	err := row.Scan(&session.QuizID, &session.JoinCode, &state,
		&session.CurrentQuestionIndex, &session.ParticipantCount, &session.TimerEndTime, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("find session %s: %w", sessionID, err)
	}
	session.State = domain.SessionState(state)
	return session, nil
}

// FindSessionByJoinCode is the unique join-code lookup.
func (s *Store) FindSessionByJoinCode(ctx context.Context, joinCode string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, quiz_id, state, current_question_index, participant_count, timer_end_time, created_at
		FROM sessions WHERE join_code = $1 AND state <> 'ENDED'`, joinCode)
	session := domain.Session{JoinCode: joinCode}
	var state string
	err := row.Scan(&session.SessionID, &session.QuizID, &state,
		&session.CurrentQuestionIndex, &session.ParticipantCount, &session.TimerEndTime, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrJoinCodeNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("find session by code %s: %w", joinCode, err)
	}
	session.State = domain.SessionState(state)
	return session, nil
}

// SaveParticipant upserts one participant row.
func (s *Store) SaveParticipant(ctx context.Context, p domain.Participant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (id, session_id, nickname, total_score, total_time_ms, streak_count, is_active, is_eliminated, is_banned, is_spectator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id, session_id) DO UPDATE SET
			nickname = EXCLUDED.nickname,
			total_score = EXCLUDED.total_score,
			total_time_ms = EXCLUDED.total_time_ms,
			streak_count = EXCLUDED.streak_count,
			is_active = EXCLUDED.is_active,
			is_eliminated = EXCLUDED.is_eliminated,
			is_banned = EXCLUDED.is_banned,
			is_spectator = EXCLUDED.is_spectator`,
		p.ParticipantID, p.SessionID, p.Nickname, p.TotalScore, p.TotalTimeMs,
		p.StreakCount, p.IsActive, p.IsEliminated, p.IsBanned, p.IsSpectator)
	if err != nil {
		return fmt.Errorf("save participant %s: %w", p.ParticipantID, err)
	}
	return nil
}

// FindParticipant fetches one participant within a session.
func (s *Store) FindParticipant(ctx context.Context, sessionID, participantID string) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT nickname, total_score, total_time_ms, streak_count, is_active, is_eliminated, is_banned, is_spectator
		FROM participants WHERE session_id = $1 AND id = $2`, sessionID, participantID)
	p := domain.Participant{ParticipantID: participantID, SessionID: sessionID}
	err := row.Scan(&p.Nickname, &p.TotalScore, &p.TotalTimeMs, &p.StreakCount,
		&p.IsActive, &p.IsEliminated, &p.IsBanned, &p.IsSpectator)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("find participant %s: %w", participantID, err)
	}
	return p, nil
}

// SetParticipantBanned flips the durable banned flag; the cache entry's
// short TTL picks it up on the next reconnect.
func (s *Store) SetParticipantBanned(ctx context.Context, sessionID, participantID string, banned bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE participants SET is_banned = $3 WHERE session_id = $1 AND id = $2`,
		sessionID, participantID, banned)
	if err != nil {
		return fmt.Errorf("ban participant %s: %w", participantID, err)
	}
	return nil
}

// InsertAnswers writes scored answers in one batch.
func (s *Store) InsertAnswers(ctx context.Context, answers []domain.Answer) error {
	if len(answers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range answers {
		batch.Queue(`
			INSERT INTO answers (id, session_id, participant_id, question_id, selected_options, answer_text, answer_number, submitted_at, response_time_ms, is_correct, points_awarded)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (participant_id, question_id, session_id) DO NOTHING`,
			a.AnswerID, a.SessionID, a.ParticipantID, a.QuestionID, a.SelectedOptions,
			a.AnswerText, a.AnswerNumber, a.SubmittedAt, a.ResponseTimeMs, a.IsCorrect, a.PointsAwarded)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range answers {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert answers: %w", err)
		}
	}
	return nil
}

// AnswersForQuestion is the compound (session, question) scan, time ordered
// so fast-finger-first scoring sees earliest submissions first.
func (s *Store) AnswersForQuestion(ctx context.Context, sessionID, questionID string) ([]domain.Answer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, participant_id, selected_options, answer_text, answer_number, submitted_at, response_time_ms, is_correct, points_awarded
		FROM answers WHERE session_id = $1 AND question_id = $2
		ORDER BY submitted_at ASC`, sessionID, questionID)
	if err != nil {
		return nil, fmt.Errorf("answers for question: %w", err)
	}
	defer rows.Close()

	var answers []domain.Answer
	for rows.Next() {
		a := domain.Answer{SessionID: sessionID, QuestionID: questionID}
		if err := rows.Scan(&a.AnswerID, &a.ParticipantID, &a.SelectedOptions, &a.AnswerText,
			&a.AnswerNumber, &a.SubmittedAt, &a.ResponseTimeMs, &a.IsCorrect, &a.PointsAwarded); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// FindAnswer is the (participant, question) lookup.
func (s *Store) FindAnswer(ctx context.Context, sessionID, participantID, questionID string) (domain.Answer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, selected_options, answer_text, answer_number, submitted_at, response_time_ms, is_correct, points_awarded
		FROM answers WHERE session_id = $1 AND participant_id = $2 AND question_id = $3`,
		sessionID, participantID, questionID)
	a := domain.Answer{SessionID: sessionID, ParticipantID: participantID, QuestionID: questionID}
	err := row.Scan(&a.AnswerID, &a.SelectedOptions, &a.AnswerText, &a.AnswerNumber,
		&a.SubmittedAt, &a.ResponseTimeMs, &a.IsCorrect, &a.PointsAwarded)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Answer{}, pgx.ErrNoRows
	}
	if err != nil {
		return domain.Answer{}, fmt.Errorf("find answer: %w", err)
	}
	return a, nil
}

// InsertAuditEvent appends to the audit trail.
func (s *Store) InsertAuditEvent(ctx context.Context, kind, sessionID, participantID, remoteAddr, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (kind, session_id, participant_id, remote_addr, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		kind, nullable(sessionID), nullable(participantID), nullable(remoteAddr), reason, at)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditTrail is the time-ordered audit scan for one session.
func (s *Store) AuditTrail(ctx context.Context, sessionID string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT kind, COALESCE(participant_id, ''), COALESCE(remote_addr, ''), reason, created_at
		FROM audit_logs WHERE session_id = $1
		ORDER BY created_at ASC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()

	var trail []AuditRow
	for rows.Next() {
		r := AuditRow{SessionID: sessionID}
		if err := rows.Scan(&r.Kind, &r.ParticipantID, &r.RemoteAddr, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		trail = append(trail, r)
	}
	return trail, rows.Err()
}

// AuditRow is one durable audit record.
type AuditRow struct {
	Kind          string
	SessionID     string
	ParticipantID string
	RemoteAddr    string
	Reason        string
	CreatedAt     time.Time
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
