// Package memory provides in-process implementations of the live stores for
// single-node deployments and tests. Limits and state then bind to one
// gateway process only.
package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"quizlive/internal/domain"
)

// SessionStore keeps live session records in a map.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.Session)}
}

func (s *SessionStore) SaveSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionStore) UpdateState(_ context.Context, sessionID string, state domain.SessionState) error {
	return s.mutate(sessionID, func(session *domain.Session) { session.State = state })
}

func (s *SessionStore) SetCurrentQuestion(_ context.Context, sessionID string, index int) error {
	return s.mutate(sessionID, func(session *domain.Session) { session.CurrentQuestionIndex = index })
}

func (s *SessionStore) SetTimerEndTime(_ context.Context, sessionID string, endTime int64) error {
	return s.mutate(sessionID, func(session *domain.Session) { session.TimerEndTime = endTime })
}

func (s *SessionStore) SetAllowLateJoiners(_ context.Context, sessionID string, allow bool) error {
	return s.mutate(sessionID, func(session *domain.Session) { session.AllowLateJoiners = allow })
}

func (s *SessionStore) IncrParticipantCount(_ context.Context, sessionID string, delta int) (int, error) {
	count := 0
	err := s.mutate(sessionID, func(session *domain.Session) {
		session.ParticipantCount += delta
		count = session.ParticipantCount
	})
	return count, err
}

func (s *SessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *SessionStore) mutate(sessionID string, fn func(*domain.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	fn(&session)
	s.sessions[sessionID] = session
	return nil
}

// ParticipantStore keeps participant records in a map.
type ParticipantStore struct {
	mu           sync.RWMutex
	participants map[string]domain.Participant
}

func NewParticipantStore() *ParticipantStore {
	return &ParticipantStore{participants: make(map[string]domain.Participant)}
}

func pkey(sessionID, participantID string) string { return sessionID + ":" + participantID }

func (s *ParticipantStore) SaveParticipant(_ context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[pkey(p.SessionID, p.ParticipantID)] = p
	return nil
}

func (s *ParticipantStore) GetParticipant(_ context.Context, sessionID, participantID string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[pkey(sessionID, participantID)]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func (s *ParticipantStore) SetBanned(_ context.Context, sessionID, participantID string, banned bool) error {
	return s.mutate(sessionID, participantID, func(p *domain.Participant) { p.IsBanned = banned })
}

func (s *ParticipantStore) SetActive(_ context.Context, sessionID, participantID string, active bool) error {
	return s.mutate(sessionID, participantID, func(p *domain.Participant) { p.IsActive = active })
}

func (s *ParticipantStore) DeleteParticipant(_ context.Context, sessionID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, pkey(sessionID, participantID))
	return nil
}

func (s *ParticipantStore) mutate(sessionID, participantID string, fn func(*domain.Participant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[pkey(sessionID, participantID)]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	fn(&p)
	s.participants[pkey(sessionID, participantID)] = p
	return nil
}

// Leaderboard ranks participants with the same ordering contract as the
// Redis sorted set: score descending, then elapsed time ascending, then
// participant id.
type Leaderboard struct {
	mu      sync.RWMutex
	entries map[string]map[string]domain.LeaderboardEntry
}

func NewLeaderboard() *Leaderboard {
	return &Leaderboard{entries: make(map[string]map[string]domain.LeaderboardEntry)}
}

func (l *Leaderboard) UpdateScore(_ context.Context, sessionID string, entry domain.LeaderboardEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[sessionID]; !ok {
		l.entries[sessionID] = make(map[string]domain.LeaderboardEntry)
	}
	l.entries[sessionID][entry.ParticipantID] = entry
	return nil
}

func (l *Leaderboard) TopK(_ context.Context, sessionID string, k int) ([]domain.LeaderboardEntry, error) {
	if k <= 0 {
		k = 10
	}
	l.mu.RLock()
	entries := make([]domain.LeaderboardEntry, 0, len(l.entries[sessionID]))
	for _, e := range l.entries[sessionID] {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].TotalTimeMs != entries[j].TotalTimeMs {
			return entries[i].TotalTimeMs < entries[j].TotalTimeMs
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (l *Leaderboard) RemoveParticipant(_ context.Context, sessionID, participantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries[sessionID], participantID)
	return nil
}

func (l *Leaderboard) DeleteLeaderboard(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, sessionID)
	return nil
}

// AnswerBuffer is the in-process append-only submission list.
type AnswerBuffer struct {
	mu      sync.Mutex
	buffers map[string][]domain.Answer
}

func NewAnswerBuffer() *AnswerBuffer {
	return &AnswerBuffer{buffers: make(map[string][]domain.Answer)}
}

func (b *AnswerBuffer) Append(_ context.Context, answer domain.Answer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers[answer.SessionID] = append(b.buffers[answer.SessionID], answer)
	return nil
}

// Flush hands back everything buffered and clears in one critical section.
func (b *AnswerBuffer) Flush(_ context.Context, sessionID string) ([]domain.Answer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	answers := b.buffers[sessionID]
	delete(b.buffers, sessionID)
	return answers, nil
}

func (b *AnswerBuffer) Len(_ context.Context, sessionID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.buffers[sessionID])), nil
}

// JoinCodeStore maps codes to session ids with expiry.
type JoinCodeStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time
	codes map[string]joinCodeEntry
}

type joinCodeEntry struct {
	sessionID string
	expiresAt time.Time
}

func NewJoinCodeStore(ttl time.Duration) *JoinCodeStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &JoinCodeStore{ttl: ttl, clock: time.Now, codes: make(map[string]joinCodeEntry)}
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func (s *JoinCodeStore) Mint(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < 5; attempt++ {
		code := randomCode()
		if entry, ok := s.codes[code]; ok && s.clock().Before(entry.expiresAt) {
			continue
		}
		s.codes[code] = joinCodeEntry{sessionID: sessionID, expiresAt: s.clock().Add(s.ttl)}
		return code, nil
	}
	return "", domain.ErrJoinCodeNotFound
}

func (s *JoinCodeStore) Bind(_ context.Context, code, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = joinCodeEntry{sessionID: sessionID, expiresAt: s.clock().Add(s.ttl)}
	return nil
}

func (s *JoinCodeStore) ResolveJoinCode(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[code]
	if !ok || s.clock().After(entry.expiresAt) {
		return "", domain.ErrJoinCodeNotFound
	}
	return entry.sessionID, nil
}

func randomCode() string {
	buf := make([]byte, 6)
	for i := range buf {
		buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(buf)
}

func (s *JoinCodeStore) Release(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}
