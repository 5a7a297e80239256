package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quizlive/internal/domain"
)

// ParticipantClaims is the signed payload a participant presents at the
// handshake. SessionID and ParticipantID bind the token to one seat in one
// session.
type ParticipantClaims struct {
	ParticipantID string `json:"participantId"`
	SessionID     string `json:"sessionId"`
	Nickname      string `json:"nickname"`
	jwt.RegisteredClaims
}

// Token verification failures, classified so each produces a distinct
// rejection reason and audit record.
var (
	ErrTokenMissing    = errors.New("token missing")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrTokenIncomplete = errors.New("token payload incomplete")
)

// TokenIssuer signs and verifies participant credentials.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed participant token.
func (t *TokenIssuer) Issue(participantID, sessionID, nickname string) (string, error) {
	now := time.Now()
	claims := ParticipantClaims{
		ParticipantID: participantID,
		SessionID:     sessionID,
		Nickname:      nickname,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and classifies a participant token.
func (t *TokenIssuer) Verify(raw string) (ParticipantClaims, error) {
	if raw == "" {
		return ParticipantClaims{}, ErrTokenMissing
	}

	claims := ParticipantClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})

	switch {
	case err == nil && token.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		return ParticipantClaims{}, ErrTokenExpired
	default:
		return ParticipantClaims{}, ErrTokenInvalid
	}

	if claims.ParticipantID == "" || claims.SessionID == "" || claims.Nickname == "" {
		return ParticipantClaims{}, ErrTokenIncomplete
	}
	return claims, nil
}

// RejectFor maps a token verification failure onto a connection rejection.
func RejectFor(err error) *domain.RejectError {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return domain.NewReject(domain.CodeMissingToken, "authentication token is required")
	case errors.Is(err, ErrTokenExpired):
		return domain.NewReject(domain.CodeExpiredToken, "authentication token has expired")
	case errors.Is(err, ErrTokenIncomplete):
		return domain.NewReject(domain.CodeIncompleteToken, "authentication token payload is incomplete")
	default:
		return domain.NewReject(domain.CodeInvalidToken, "authentication token is invalid")
	}
}
