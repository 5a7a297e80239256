// Package http hosts the WebSocket gateway: admission, handshake
// authentication, per-event validation and dispatch.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quizlive/internal/app"
	"quizlive/internal/audit"
	"quizlive/internal/auth"
	"quizlive/internal/domain"
	"quizlive/internal/fanout"
	"quizlive/internal/guard"
	"quizlive/internal/perfmon"
	"quizlive/internal/ratelimit"
)

// WSHandler upgrades HTTP requests to websockets and wires them into the
// session coordination core.
type WSHandler struct {
	upgrader      websocket.Upgrader
	authenticator *auth.Authenticator
	guard         *guard.Guard
	limiter       ratelimit.Limiter
	service       *app.SessionService
	bus           fanout.Bus
	monitor       *perfmon.Monitor
	auditSink     audit.Sink
	logger        *slog.Logger
}

func NewWSHandler(
	authenticator *auth.Authenticator,
	admissionGuard *guard.Guard,
	limiter ratelimit.Limiter,
	service *app.SessionService,
	bus fanout.Bus,
	monitor *perfmon.Monitor,
	auditSink audit.Sink,
	logger *slog.Logger,
) *WSHandler {
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		authenticator: authenticator,
		guard:         admissionGuard,
		limiter:       limiter,
		service:       service,
		bus:           bus,
		monitor:       monitor,
		auditSink:     auditSink,
		logger:        logger.With("component", "gateway"),
	}
}

type inboundMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

type validationErrorPayload struct {
	Event   string       `json:"event"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

// ServeWS handles the full connection lifecycle for one socket.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	socketID := uuid.NewString()
	ip := clientIP(r)

	// Backpressure point one: resource-based admission, before anything else.
	if decision := h.guard.Check(ctx, ip); !decision.Allow {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		http.Error(w, "server overloaded, retry later", http.StatusServiceUnavailable)
		return
	}

	if res := h.limiter.AllowJoin(ctx, ip); !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
		http.Error(w, "too many join attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	query := r.URL.Query()
	hs := auth.Handshake{
		SocketID:   socketID,
		RemoteAddr: ip,
		Token:      query.Get("token"),
		SessionID:  query.Get("sessionId"),
		JoinCode:   query.Get("joinCode"),
		Role:       domain.Role(query.Get("role")),
	}

	authStart := time.Now()
	identity, err := h.authenticator.Authenticate(ctx, hs)
	h.monitor.Record("authentication", time.Since(authStart))
	if err != nil {
		h.writeReject(conn, err)
		return
	}

	h.runConnection(conn, identity)
}

// runConnection owns an authenticated socket until it drops.
func (h *WSHandler) runConnection(conn *websocket.Conn, identity domain.ConnIdentity) {
	ctx := context.Background()
	send := make(chan outboundMessage, 32)
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write error", "socketId", identity.SocketID, "err", err)
				return
			}
		}
	}()

	// Unsubscription is registered before the role disconnect handler so it
	// still runs when the handler fails.
	defer h.bus.UnsubscribeAll(ctx, identity.SocketID)
	defer h.disconnect(ctx, identity)

	// The authenticated frame goes out before any fanout or snapshot traffic.
	h.enqueue(send, outboundMessage{Event: domain.EventAuthenticated, Payload: identity})

	h.subscribe(ctx, conn, identity, send)
	h.connect(ctx, identity, send)

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		start := time.Now()
		h.dispatch(ctx, conn, identity, inbound, send)
		h.monitor.Record("message_dispatch", time.Since(start))
	}

	close(send)
	<-writerDone
}

// subscribe attaches the socket to its role's channel. The send func never
// blocks: a full buffer drops the envelope rather than stalling the fanout.
func (h *WSHandler) subscribe(ctx context.Context, conn *websocket.Conn, identity domain.ConnIdentity, send chan outboundMessage) {
	var channel string
	switch identity.Role {
	case domain.RoleParticipant:
		channel = fanout.ChannelParticipants(identity.SessionID)
	case domain.RoleController:
		channel = fanout.ChannelController(identity.SessionID)
	default:
		channel = fanout.ChannelBigScreen(identity.SessionID)
	}

	h.bus.Subscribe(ctx, channel, identity.SocketID, func(env fanout.Envelope) {
		h.enqueue(send, outboundMessage{Event: env.Event, Payload: env.Payload})
		if identity.Role == domain.RoleParticipant && targetsParticipant(env, identity.ParticipantID) {
			// Give the writer a moment to flush the moderation notice,
			// then drop the connection.
			time.AfterFunc(200*time.Millisecond, func() { _ = conn.Close() })
		}
	})
}

// targetsParticipant reports whether a kicked/banned envelope names this
// participant.
func targetsParticipant(env fanout.Envelope, participantID string) bool {
	if env.Event != domain.EventKicked && env.Event != domain.EventBanned {
		return false
	}
	var target struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.Unmarshal(env.Payload, &target); err != nil {
		return false
	}
	return target.ParticipantID == participantID
}

func (h *WSHandler) connect(ctx context.Context, identity domain.ConnIdentity, send chan outboundMessage) {
	switch identity.Role {
	case domain.RoleParticipant:
		h.service.RegisterPresence(ctx, identity)
	default:
		// Observers get an immediate state snapshot instead of presence.
		if session, err := h.service.GetSession(ctx, identity.SessionID); err == nil {
			h.enqueue(send, outboundMessage{Event: domain.EventSessionSync, Payload: session})
		}
	}
}

func (h *WSHandler) disconnect(ctx context.Context, identity domain.ConnIdentity) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("disconnect handler panicked", "socketId", identity.SocketID, "panic", r)
		}
	}()
	if identity.Role == domain.RoleParticipant {
		h.service.ReleasePresence(ctx, identity)
	}
}

// dispatch routes one validated inbound event to its handler.
func (h *WSHandler) dispatch(ctx context.Context, conn *websocket.Conn, identity domain.ConnIdentity, inbound inboundMessage, send chan outboundMessage) {
	// Backpressure point two: per-socket message budget.
	if res := h.limiter.AllowMessage(ctx, identity.SocketID); !res.Allowed {
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code:       domain.CodeRateLimited,
			Message:    "message rate limit exceeded",
			RetryAfter: retrySeconds(res.RetryAfter),
		}})
		return
	}

	if fieldErrs := validate(inbound.Event, inbound.Payload); len(fieldErrs) > 0 {
		h.logger.Warn("event validation failed",
			"event", inbound.Event, "socketId", identity.SocketID,
			"sessionId", identity.SessionID, "participantId", identity.ParticipantID)
		h.auditSink.Record(ctx, audit.Event{
			Kind:          audit.KindValidationFailed,
			SocketID:      identity.SocketID,
			SessionID:     identity.SessionID,
			ParticipantID: identity.ParticipantID,
			Reason:        inbound.Event,
		})
		h.enqueue(send, outboundMessage{Event: domain.EventValidationError, Payload: validationErrorPayload{
			Event:   inbound.Event,
			Code:    domain.CodeValidationFailed,
			Message: "event payload failed validation",
			Errors:  fieldErrs,
		}})
		return
	}

	switch inbound.Event {
	case domain.EventSubmitAnswer:
		h.handleSubmitAnswer(ctx, identity, inbound.Payload, send)
	case domain.EventReconnectSession:
		h.handleReconnect(ctx, identity, inbound.Payload, send)
	case domain.EventStartQuiz, domain.EventNextQuestion, domain.EventEndQuiz,
		domain.EventPauseTimer, domain.EventResumeTimer, domain.EventResetTimer,
		domain.EventVoidQuestion, domain.EventKickParticipant, domain.EventBanParticipant,
		domain.EventToggleLateJoin:
		h.handleControl(ctx, identity, inbound, send)
	case domain.EventAuthenticate:
		// Identity is immutable after the handshake.
		h.enqueue(send, outboundMessage{Event: domain.EventAuthenticated, Payload: identity})
	default:
		// Unknown events pass validation by design; acknowledge nothing.
		h.logger.Debug("ignoring unknown event", "event", inbound.Event, "socketId", identity.SocketID)
	}
}

func (h *WSHandler) handleSubmitAnswer(ctx context.Context, identity domain.ConnIdentity, payload json.RawMessage, send chan outboundMessage) {
	if identity.Role != domain.RoleParticipant {
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code: domain.CodeInvalidRole, Message: "only participants may submit answers",
		}})
		return
	}
	var p submitAnswerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	// One answer per (participant, question): first submission takes the
	// lock, everything after bounces until the TTL runs out.
	if res := h.limiter.AllowAnswer(ctx, identity.ParticipantID, p.QuestionID); !res.Allowed {
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code:       domain.CodeRateLimited,
			Message:    "answer already submitted for this question",
			RetryAfter: retrySeconds(res.RetryAfter),
		}})
		return
	}

	answer, err := h.service.SubmitAnswer(ctx, identity, app.SubmitAnswerRequest{
		QuestionID:      p.QuestionID,
		SelectedOptions: p.SelectedOptions,
		AnswerText:      p.AnswerText,
		AnswerNumber:    p.AnswerNumber,
		ClientTimestamp: p.ClientTimestamp,
	})
	if err != nil {
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code: domain.CodeInternal, Message: err.Error(),
		}})
		return
	}
	h.enqueue(send, outboundMessage{Event: domain.EventAnswerAck, Payload: map[string]any{
		"questionId":  answer.QuestionID,
		"submittedAt": answer.SubmittedAt.UnixMilli(),
	}})
}

func (h *WSHandler) handleReconnect(ctx context.Context, identity domain.ConnIdentity, payload json.RawMessage, send chan outboundMessage) {
	var p reconnectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	// A socket can only resync its own authenticated session.
	if p.SessionID != identity.SessionID {
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code: domain.CodeMissingSession, Message: "reconnect target does not match connection session",
		}})
		return
	}
	snapshot, err := h.service.Snapshot(ctx, identity.SessionID, p.ParticipantID)
	if err != nil {
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code: domain.CodeSessionNotFound, Message: err.Error(),
		}})
		return
	}
	h.enqueue(send, outboundMessage{Event: domain.EventSessionSync, Payload: snapshot})
}

// handleControl covers every controller-only lifecycle event.
func (h *WSHandler) handleControl(ctx context.Context, identity domain.ConnIdentity, inbound inboundMessage, send chan outboundMessage) {
	if identity.Role != domain.RoleController {
		h.auditSink.Record(ctx, audit.Event{
			Kind:      audit.KindValidationFailed,
			SocketID:  identity.SocketID,
			SessionID: identity.SessionID,
			Reason:    "control event from non-controller",
		})
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code: domain.CodeInvalidRole, Message: "only the controller may drive the session",
		}})
		return
	}

	var err error
	switch inbound.Event {
	case domain.EventStartQuiz:
		err = h.service.StartQuiz(ctx, identity.SessionID)
	case domain.EventNextQuestion:
		_, err = h.service.NextQuestion(ctx, identity.SessionID)
	case domain.EventEndQuiz:
		err = h.service.EndQuiz(ctx, identity.SessionID)
	case domain.EventPauseTimer:
		err = h.service.PauseTimer(ctx, identity.SessionID)
	case domain.EventResumeTimer:
		err = h.service.ResumeTimer(ctx, identity.SessionID)
	case domain.EventResetTimer:
		var p resetTimerPayload
		if uerr := json.Unmarshal(inbound.Payload, &p); uerr == nil {
			err = h.service.ResetTimer(ctx, identity.SessionID, time.Duration(p.TimeLimitSeconds)*time.Second)
		}
	case domain.EventVoidQuestion:
		var p voidQuestionPayload
		if uerr := json.Unmarshal(inbound.Payload, &p); uerr == nil {
			err = h.service.VoidQuestion(ctx, identity.SessionID, p.QuestionID, p.Reason)
		}
	case domain.EventKickParticipant:
		var p moderationPayload
		if uerr := json.Unmarshal(inbound.Payload, &p); uerr == nil {
			err = h.service.KickParticipant(ctx, identity.SessionID, p.ParticipantID, p.Reason)
		}
	case domain.EventBanParticipant:
		var p moderationPayload
		if uerr := json.Unmarshal(inbound.Payload, &p); uerr == nil {
			err = h.service.BanParticipant(ctx, identity.SessionID, p.ParticipantID, p.Reason)
		}
	case domain.EventToggleLateJoin:
		var p toggleLateJoinersPayload
		if uerr := json.Unmarshal(inbound.Payload, &p); uerr == nil && p.Allow != nil {
			err = h.service.ToggleLateJoiners(ctx, identity.SessionID, *p.Allow)
		}
	}
	if err != nil {
		h.enqueue(send, outboundMessage{Event: domain.EventError, Payload: errorPayload{
			Code: domain.CodeInternal, Message: err.Error(),
		}})
	}
}

// enqueue pushes without blocking; when the buffer is full the oldest
// message is dropped so a slow client cannot stall the broadcast path.
func (h *WSHandler) enqueue(send chan outboundMessage, msg outboundMessage) {
	defer func() {
		// The channel closes when the read loop exits; late fanout
		// deliveries racing that close are dropped.
		_ = recover()
	}()
	select {
	case send <- msg:
	default:
		select {
		case <-send:
		default:
		}
		select {
		case send <- msg:
		default:
		}
	}
}

func (h *WSHandler) writeReject(conn *websocket.Conn, err error) {
	payload := errorPayload{Code: domain.CodeInternal, Message: "connection rejected"}
	if re, ok := domain.AsReject(err); ok {
		payload = errorPayload{Code: re.Code, Message: re.Message, RetryAfter: re.RetryAfterSec}
	}
	_ = conn.WriteJSON(outboundMessage{Event: domain.EventError, Payload: payload})
}

func retrySeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 && d > 0 {
		return 1
	}
	return secs
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatsHandler exposes the performance monitor's view per category.
func (h *WSHandler) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	for _, category := range []string{"authentication", "message_dispatch"} {
		if stats, ok := h.monitor.Stats(category); ok {
			out[category] = map[string]any{
				"count": stats.Count,
				"min":   stats.Min.String(),
				"max":   stats.Max.String(),
				"avg":   stats.Avg.String(),
				"p50":   stats.P50.String(),
				"p95":   stats.P95.String(),
				"p99":   stats.P99.String(),
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("stats encode failed", "err", err)
	}
}
