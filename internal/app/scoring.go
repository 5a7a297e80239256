package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"quizlive/internal/domain"
)

// SubmitAnswerRequest is the validated submission handed in by the gateway.
// The gateway has already applied the single-shot answer lock.
type SubmitAnswerRequest struct {
	QuestionID      string
	SelectedOptions []string
	AnswerText      string
	AnswerNumber    *float64
	ClientTimestamp int64 // epoch ms at submit, client clock
}

// SubmitAnswer buffers one submission for later scoring. Answers are only
// accepted while the question is live.
func (s *SessionService) SubmitAnswer(ctx context.Context, identity domain.ConnIdentity, req SubmitAnswerRequest) (domain.Answer, error) {
	session, err := s.sessions.GetSession(ctx, identity.SessionID)
	if err != nil {
		return domain.Answer{}, err
	}
	if session.State != domain.StateActiveQuestion {
		return domain.Answer{}, domain.ErrQuestionNotFound
	}

	now := s.clock()
	responseMs := int64(0)
	if req.ClientTimestamp > 0 {
		responseMs = now.UnixMilli() - req.ClientTimestamp
		if responseMs < 0 {
			responseMs = 0
		}
	}

	answer := domain.Answer{
		AnswerID:        uuid.NewString(),
		SessionID:       identity.SessionID,
		ParticipantID:   identity.ParticipantID,
		QuestionID:      req.QuestionID,
		SelectedOptions: req.SelectedOptions,
		AnswerText:      req.AnswerText,
		AnswerNumber:    req.AnswerNumber,
		SubmittedAt:     now,
		ResponseTimeMs:  responseMs,
	}
	if err := s.answers.Append(ctx, answer); err != nil {
		return domain.Answer{}, err
	}
	return answer, nil
}

// Fast-finger bonus: the three earliest correct submissions earn extra
// points on top of the question's base score.
var ffiBonus = []int{3, 2, 1}

// scoreFlush drains the answer buffer and scores everything that belongs to
// questionID, in submission order. Participant totals, the leaderboard and
// the durable answer rows are all updated here.
func (s *SessionService) scoreFlush(ctx context.Context, session domain.Session, questionID string) ([]domain.Answer, error) {
	buffered, err := s.answers.Flush(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	if len(buffered) == 0 {
		return nil, nil
	}

	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return nil, err
	}
	var question *domain.Question
	for i := range quiz.Questions {
		if quiz.Questions[i].ID == questionID {
			question = &quiz.Questions[i]
			break
		}
	}
	if question == nil {
		return nil, domain.ErrQuestionNotFound
	}

	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].SubmittedAt.Before(buffered[j].SubmittedAt)
	})

	basePoints := question.Points
	if basePoints == 0 {
		basePoints = 1
	}

	scored := make([]domain.Answer, 0, len(buffered))
	correctRank := 0
	for _, answer := range buffered {
		if answer.QuestionID != questionID {
			// Stale submission from a voided or earlier question; drop it.
			continue
		}
		answer.IsCorrect = evaluate(*question, answer)
		if answer.IsCorrect {
			answer.PointsAwarded = basePoints
			if correctRank < len(ffiBonus) {
				answer.PointsAwarded += ffiBonus[correctRank]
			}
			correctRank++
		}
		scored = append(scored, answer)
		s.applyScore(ctx, session.SessionID, answer)
	}

	if s.durable != nil && len(scored) > 0 {
		if err := s.durable.InsertAnswers(ctx, scored); err != nil {
			s.logger.Error("durable answer insert failed", "sessionId", session.SessionID, "err", err)
		}
	}
	return scored, nil
}

func (s *SessionService) applyScore(ctx context.Context, sessionID string, answer domain.Answer) {
	participant, err := s.participants.GetParticipant(ctx, sessionID, answer.ParticipantID)
	if err != nil {
		s.logger.Error("score: participant lookup failed", "participantId", answer.ParticipantID, "err", err)
		return
	}
	participant.TotalScore += answer.PointsAwarded
	participant.TotalTimeMs += answer.ResponseTimeMs
	if answer.IsCorrect {
		participant.StreakCount++
	} else {
		participant.StreakCount = 0
	}
	if err := s.participants.SaveParticipant(ctx, participant); err != nil {
		s.logger.Error("score: participant save failed", "participantId", answer.ParticipantID, "err", err)
	}
	if s.durable != nil {
		if err := s.durable.SaveParticipant(ctx, participant); err != nil {
			s.logger.Error("score: durable participant save failed", "participantId", answer.ParticipantID, "err", err)
		}
	}
	if err := s.leaderboard.UpdateScore(ctx, sessionID, domain.LeaderboardEntry{
		ParticipantID: participant.ParticipantID,
		Nickname:      participant.Nickname,
		Score:         participant.TotalScore,
		TotalTimeMs:   participant.TotalTimeMs,
	}); err != nil {
		s.logger.Error("score: leaderboard update failed", "participantId", answer.ParticipantID, "err", err)
	}
}

// evaluate checks one submission against the question's answer key. Exactly
// one of the three answer forms is considered, in option/text/number order.
func evaluate(question domain.Question, answer domain.Answer) bool {
	if len(answer.SelectedOptions) > 0 {
		correct := make(map[string]struct{})
		for _, opt := range question.Options {
			if opt.Correct {
				correct[opt.ID] = struct{}{}
			}
		}
		if len(answer.SelectedOptions) != len(correct) {
			return false
		}
		for _, id := range answer.SelectedOptions {
			if _, ok := correct[id]; !ok {
				return false
			}
		}
		return len(correct) > 0
	}
	if answer.AnswerText != "" {
		return question.ExpectedText != "" &&
			strings.EqualFold(strings.TrimSpace(answer.AnswerText), strings.TrimSpace(question.ExpectedText))
	}
	if answer.AnswerNumber != nil {
		if question.ExpectedNumber == nil {
			return false
		}
		diff := *answer.AnswerNumber - *question.ExpectedNumber
		return diff < 1e-9 && diff > -1e-9
	}
	return false
}

// SessionSnapshot is what a reconnecting client needs to resync.
type SessionSnapshot struct {
	Session          domain.Session `json:"session"`
	RemainingSeconds int            `json:"remainingSeconds"`
	ServerTime       int64          `json:"serverTime"`
}

// Snapshot builds the reconnect payload.
func (s *SessionService) Snapshot(ctx context.Context, sessionID, participantID string) (SessionSnapshot, error) {
	session, remaining, err := s.Reconnect(ctx, sessionID, participantID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return SessionSnapshot{
		Session:          session,
		RemainingSeconds: remaining,
		ServerTime:       time.Now().UnixMilli(),
	}, nil
}
