package auth

import (
	"context"
	"fmt"
	"log/slog"

	"quizlive/internal/audit"
	"quizlive/internal/domain"
)

// SessionReader resolves live session state. Implementations read the fast
// cache first and fall back to the durable store on a miss.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
}

// ParticipantReader resolves a participant within a session, cache first.
type ParticipantReader interface {
	GetParticipant(ctx context.Context, sessionID, participantID string) (domain.Participant, error)
}

// JoinCodeResolver maps a human-enterable join code to a session id.
type JoinCodeResolver interface {
	ResolveJoinCode(ctx context.Context, code string) (string, error)
}

// Handshake carries the credentials presented when a socket connects.
type Handshake struct {
	SocketID   string
	RemoteAddr string
	Token      string
	SessionID  string
	JoinCode   string
	Role       domain.Role
}

// Authenticator establishes a connection identity from handshake credentials.
// Store errors fail closed: an identity that cannot be verified is rejected.
type Authenticator struct {
	tokens       *TokenIssuer
	sessions     SessionReader
	participants ParticipantReader
	joinCodes    JoinCodeResolver
	auditSink    audit.Sink
	logger       *slog.Logger
}

func NewAuthenticator(
	tokens *TokenIssuer,
	sessions SessionReader,
	participants ParticipantReader,
	joinCodes JoinCodeResolver,
	auditSink audit.Sink,
	logger *slog.Logger,
) *Authenticator {
	return &Authenticator{
		tokens:       tokens,
		sessions:     sessions,
		participants: participants,
		joinCodes:    joinCodes,
		auditSink:    auditSink,
		logger:       logger.With("component", "auth"),
	}
}

// Authenticate validates the handshake and returns the socket's immutable
// identity, or a RejectError describing why the connection must be refused.
func (a *Authenticator) Authenticate(ctx context.Context, hs Handshake) (domain.ConnIdentity, error) {
	if !domain.ValidRole(hs.Role) {
		return domain.ConnIdentity{}, a.reject(ctx, hs, "", "",
			domain.NewReject(domain.CodeInvalidRole, fmt.Sprintf("role %q is not recognized", hs.Role)))
	}

	switch hs.Role {
	case domain.RoleParticipant:
		return a.authenticateParticipant(ctx, hs)
	default:
		return a.authenticateObserver(ctx, hs)
	}
}

func (a *Authenticator) authenticateParticipant(ctx context.Context, hs Handshake) (domain.ConnIdentity, error) {
	claims, err := a.tokens.Verify(hs.Token)
	if err != nil {
		return domain.ConnIdentity{}, a.reject(ctx, hs, "", "", RejectFor(err))
	}

	session, err := a.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return domain.ConnIdentity{}, a.reject(ctx, hs, claims.SessionID, claims.ParticipantID,
			domain.NewReject(domain.CodeSessionNotFound, "session not found or ended"))
	}
	if session.State == domain.StateEnded {
		return domain.ConnIdentity{}, a.reject(ctx, hs, claims.SessionID, claims.ParticipantID,
			domain.NewReject(domain.CodeSessionNotFound, "session not found or ended"))
	}

	// Re-checked on every connect so an administrative ban lands promptly
	// even on a token issued before the ban.
	participant, err := a.participants.GetParticipant(ctx, claims.SessionID, claims.ParticipantID)
	if err != nil {
		return domain.ConnIdentity{}, a.reject(ctx, hs, claims.SessionID, claims.ParticipantID,
			domain.NewReject(domain.CodeSessionNotFound, "participant not found for session"))
	}
	if participant.IsBanned {
		return domain.ConnIdentity{}, a.reject(ctx, hs, claims.SessionID, claims.ParticipantID,
			domain.NewReject(domain.CodeParticipantBan, "participant is banned from this session"))
	}

	return domain.ConnIdentity{
		SocketID:      hs.SocketID,
		Role:          domain.RoleParticipant,
		SessionID:     claims.SessionID,
		ParticipantID: claims.ParticipantID,
		Nickname:      claims.Nickname,
	}, nil
}

func (a *Authenticator) authenticateObserver(ctx context.Context, hs Handshake) (domain.ConnIdentity, error) {
	sessionID := hs.SessionID
	if sessionID == "" && hs.JoinCode != "" {
		resolved, err := a.joinCodes.ResolveJoinCode(ctx, hs.JoinCode)
		if err != nil {
			return domain.ConnIdentity{}, a.reject(ctx, hs, "", "",
				domain.NewReject(domain.CodeSessionNotFound, "session not found or ended"))
		}
		sessionID = resolved
	}
	if sessionID == "" {
		return domain.ConnIdentity{}, a.reject(ctx, hs, "", "",
			domain.NewReject(domain.CodeMissingSession, "sessionId or joinCode is required"))
	}

	session, err := a.sessions.GetSession(ctx, sessionID)
	if err != nil || session.State == domain.StateEnded {
		return domain.ConnIdentity{}, a.reject(ctx, hs, sessionID, "",
			domain.NewReject(domain.CodeSessionNotFound, "session not found or ended"))
	}

	return domain.ConnIdentity{
		SocketID:  hs.SocketID,
		Role:      hs.Role,
		SessionID: sessionID,
	}, nil
}

func (a *Authenticator) reject(ctx context.Context, hs Handshake, sessionID, participantID string, re *domain.RejectError) error {
	a.logger.Warn("connection rejected",
		"code", re.Code,
		"reason", re.Message,
		"socketId", hs.SocketID,
		"remoteAddr", hs.RemoteAddr,
		"role", hs.Role,
		"sessionId", sessionID,
		"participantId", participantID,
	)
	a.auditSink.Record(ctx, audit.Event{
		Kind:          audit.KindAuthRejected,
		SocketID:      hs.SocketID,
		RemoteAddr:    hs.RemoteAddr,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Reason:        re.Code,
		Details:       map[string]any{"message": re.Message, "role": string(hs.Role)},
	})
	return re
}
