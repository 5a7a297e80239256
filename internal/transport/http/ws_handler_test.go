package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quizlive/internal/app"
	"quizlive/internal/audit"
	"quizlive/internal/auth"
	"quizlive/internal/domain"
	"quizlive/internal/fanout"
	"quizlive/internal/guard"
	"quizlive/internal/infra/memory"
	"quizlive/internal/logging"
	"quizlive/internal/perfmon"
	"quizlive/internal/ratelimit"
	"quizlive/internal/timer"
)

type gatewayFixture struct {
	server  *httptest.Server
	service *app.SessionService
	tokens  *auth.TokenIssuer
	session domain.Session
}

func newGateway(t *testing.T, limits ratelimit.Config) *gatewayFixture {
	t.Helper()
	logger := logging.New(io.Discard, slog.LevelError)

	sessions := memory.NewSessionStore()
	participants := memory.NewParticipantStore()
	joinCodes := memory.NewJoinCodeStore(time.Hour)
	hub := fanout.NewHub()
	bus := fanout.NewLocalBus(hub)
	timers := timer.NewManager(bus, sessions, logger, timer.WithInterval(time.Second))

	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuiz()), time.Minute)
	service := app.NewSessionService(app.SessionServiceDeps{
		Sessions:     sessions,
		Participants: participants,
		Leaderboard:  memory.NewLeaderboard(),
		Answers:      memory.NewAnswerBuffer(),
		JoinCodes:    joinCodes,
		Quizzes:      quizzes,
		Bus:          bus,
		Timers:       timers,
		AuditSink:    audit.Nop{},
		Logger:       logger,
	})

	tokens := auth.NewTokenIssuer("gateway-test-secret", time.Hour)
	authenticator := auth.NewAuthenticator(tokens, sessions, participants, joinCodes, audit.Nop{}, logger)
	admission := guard.New(guard.Config{Enabled: false}, nil, audit.Nop{}, logger)
	limiter := ratelimit.NewMemoryLimiter(limits)
	monitor := perfmon.New(0, nil, logger)

	handler := NewWSHandler(authenticator, admission, limiter, service, bus, monitor, audit.Nop{}, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	mux.HandleFunc("/stats", handler.StatsHandler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	session, err := service.CreateSession(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := participants.SaveParticipant(context.Background(), domain.Participant{
		ParticipantID: "p1", SessionID: session.SessionID, Nickname: "Alice", IsActive: true,
	}); err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	return &gatewayFixture{server: server, service: service, tokens: tokens, session: session}
}

func (f *gatewayFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + f.server.URL[len("http"):] + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *gatewayFixture) dialParticipant(t *testing.T, participantID string) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.Issue(participantID, f.session.SessionID, "Alice")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn := f.dial(t, "role=participant&token="+token)
	readUntil(t, conn, domain.EventAuthenticated)
	return conn
}

func (f *gatewayFixture) dialController(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, "role=controller&sessionId="+f.session.SessionID)
	readUntil(t, conn, domain.EventAuthenticated)
	return conn
}

// readUntil reads frames until the wanted event arrives, skipping unrelated
// broadcast traffic. Five seconds without it fails the test.
func readUntil(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var msg struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		_ = conn.SetReadDeadline(deadline)
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Event == want {
			return msg.Payload
		}
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func errorCode(t *testing.T, payload json.RawMessage) string {
	t.Helper()
	var p errorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p.Code
}

func TestParticipantAnswerFlow(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	conn := f.dialParticipant(t, "p1")

	if err := f.service.StartQuiz(context.Background(), f.session.SessionID); err != nil {
		t.Fatalf("start quiz: %v", err)
	}
	readUntil(t, conn, domain.EventQuestionStarted)

	sendEvent(t, conn, domain.EventSubmitAnswer, map[string]any{
		"questionId":      "q1",
		"selectedOptions": []string{"o2"},
		"clientTimestamp": time.Now().UnixMilli(),
	})
	payload := readUntil(t, conn, domain.EventAnswerAck)
	var ack struct {
		QuestionID  string `json:"questionId"`
		SubmittedAt int64  `json:"submittedAt"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.QuestionID != "q1" || ack.SubmittedAt == 0 {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestDuplicateAnswerRejected(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	conn := f.dialParticipant(t, "p1")

	if err := f.service.StartQuiz(context.Background(), f.session.SessionID); err != nil {
		t.Fatalf("start quiz: %v", err)
	}
	readUntil(t, conn, domain.EventQuestionStarted)

	answer := map[string]any{
		"questionId":      "q1",
		"selectedOptions": []string{"o2"},
		"clientTimestamp": time.Now().UnixMilli(),
	}
	sendEvent(t, conn, domain.EventSubmitAnswer, answer)
	readUntil(t, conn, domain.EventAnswerAck)

	sendEvent(t, conn, domain.EventSubmitAnswer, answer)
	payload := readUntil(t, conn, domain.EventError)
	if code := errorCode(t, payload); code != domain.CodeRateLimited {
		t.Fatalf("expected %s, got %s", domain.CodeRateLimited, code)
	}
}

func TestInvalidPayloadGetsSingleValidationError(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	conn := f.dialParticipant(t, "p1")

	sendEvent(t, conn, domain.EventSubmitAnswer, map[string]any{"answerText": ""})
	payload := readUntil(t, conn, domain.EventValidationError)
	var ve validationErrorPayload
	if err := json.Unmarshal(payload, &ve); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ve.Code != domain.CodeValidationFailed || ve.Event != domain.EventSubmitAnswer || len(ve.Errors) == 0 {
		t.Fatalf("unexpected validation error %+v", ve)
	}

	// The connection stays usable and no second validation error trails the
	// first: the next frame answered is the authenticate echo.
	sendEvent(t, conn, domain.EventAuthenticate, map[string]any{})
	var msg struct {
		Event string `json:"event"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read after validation error: %v", err)
	}
	if msg.Event != domain.EventAuthenticated {
		t.Fatalf("expected authenticated echo, got %s", msg.Event)
	}
}

func TestControllerDrivesQuiz(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	participant := f.dialParticipant(t, "p1")
	controller := f.dialController(t)

	sendEvent(t, controller, domain.EventStartQuiz, map[string]any{"sessionId": f.session.SessionID})

	// Both audiences hear the lifecycle broadcasts.
	readUntil(t, controller, domain.EventQuizStarted)
	readUntil(t, controller, domain.EventQuestionStarted)
	readUntil(t, participant, domain.EventQuizStarted)
	payload := readUntil(t, participant, domain.EventQuestionStarted)

	var q struct {
		QuestionID string `json:"questionId"`
		Index      int    `json:"index"`
	}
	if err := json.Unmarshal(payload, &q); err != nil {
		t.Fatalf("decode question: %v", err)
	}
	if q.QuestionID != "q1" || q.Index != 0 {
		t.Fatalf("unexpected question broadcast %+v", q)
	}
}

func TestObserverGetsSessionSnapshot(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	conn := f.dial(t, "role=bigscreen&joinCode="+f.session.JoinCode)

	readUntil(t, conn, domain.EventAuthenticated)
	payload := readUntil(t, conn, domain.EventSessionSync)
	var session domain.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if session.SessionID != f.session.SessionID || session.State != domain.StateLobby {
		t.Fatalf("unexpected snapshot %+v", session)
	}
}

func TestBadTokenRejectedOverSocket(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	conn := f.dial(t, "role=participant&token=not-a-jwt")

	payload := readUntil(t, conn, domain.EventError)
	if code := errorCode(t, payload); code != domain.CodeInvalidToken {
		t.Fatalf("expected %s, got %s", domain.CodeInvalidToken, code)
	}
	// Rejected sockets are closed by the server.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var discard map[string]any
	if err := conn.ReadJSON(&discard); err == nil {
		t.Fatalf("expected connection closed after reject")
	}
}

func TestControlEventsRequireControllerRole(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	conn := f.dialParticipant(t, "p1")

	sendEvent(t, conn, domain.EventStartQuiz, map[string]any{"sessionId": f.session.SessionID})
	payload := readUntil(t, conn, domain.EventError)
	if code := errorCode(t, payload); code != domain.CodeInvalidRole {
		t.Fatalf("expected %s, got %s", domain.CodeInvalidRole, code)
	}
}

func TestJoinRateLimitReturns429(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 1, JoinWindow: time.Minute})
	f.dialParticipant(t, "p1")

	token, _ := f.tokens.Issue("p1", f.session.SessionID, "Alice")
	u := "ws" + f.server.URL[len("http"):] + "/ws?role=participant&token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 with Retry-After, got %+v", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestKickForcesDisconnect(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	participant := f.dialParticipant(t, "p1")
	controller := f.dialController(t)

	sendEvent(t, controller, domain.EventKickParticipant, map[string]any{
		"sessionId":     f.session.SessionID,
		"participantId": "p1",
		"reason":        "afk",
	})

	payload := readUntil(t, participant, domain.EventKicked)
	var kicked struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.Unmarshal(payload, &kicked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kicked.ParticipantID != "p1" {
		t.Fatalf("expected kick notice for p1, got %+v", kicked)
	}

	// The server drops the socket shortly after delivering the notice.
	_ = participant.SetReadDeadline(time.Now().Add(3 * time.Second))
	var readErr error
	for {
		var discard map[string]any
		if readErr = participant.ReadJSON(&discard); readErr != nil {
			break
		}
	}
	if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
		t.Fatalf("server never closed the kicked socket: %v", readErr)
	}
}

func TestStatsEndpointReportsCategories(t *testing.T) {
	f := newGateway(t, ratelimit.Config{JoinAttempts: 100})
	f.dialParticipant(t, "p1")

	resp, err := http.Get(f.server.URL + "/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := out["authentication"]; !ok {
		t.Fatalf("expected authentication stats after a handshake, got %v", out)
	}
}

func sampleQuiz() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5"},
					},
					Points:           100,
					TimeLimitSeconds: 60,
				},
			},
		},
	}
}
