// Package fanout gives multiple gateway processes one logical broadcast
// surface: a process-local hub of connected sockets, bridged across
// processes by a shared Redis pub/sub bus.
package fanout

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Envelope is the wire unit moved across the bus and handed to sockets.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Audience channel names, one per session per role.
func ChannelParticipants(sessionID string) string { return "session:" + sessionID + ":participants" }
func ChannelBigScreen(sessionID string) string    { return "session:" + sessionID + ":bigscreen" }
func ChannelController(sessionID string) string   { return "session:" + sessionID + ":controller" }

// SessionChannels lists all three audience channels for a session.
func SessionChannels(sessionID string) []string {
	return []string{
		ChannelParticipants(sessionID),
		ChannelBigScreen(sessionID),
		ChannelController(sessionID),
	}
}

// SendFunc delivers one envelope to a single socket. It must not block;
// slow sockets drop rather than stall the fanout.
type SendFunc func(Envelope)

// Hub tracks locally connected sockets per channel. It knows nothing about
// other processes; global queries go through the Bus.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]SendFunc // channel -> socketID -> send
	sockets  map[string]map[string]struct{} // socketID -> channels
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[string]SendFunc),
		sockets:  make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Subscribe(channel, socketID string, send SendFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]SendFunc)
	}
	h.channels[channel][socketID] = send
	if _, ok := h.sockets[socketID]; !ok {
		h.sockets[socketID] = make(map[string]struct{})
	}
	h.sockets[socketID][channel] = struct{}{}
}

func (h *Hub) Unsubscribe(channel, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(channel, socketID)
}

// UnsubscribeAll detaches a socket from every channel it joined; run
// unconditionally on disconnect.
func (h *Hub) UnsubscribeAll(socketID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	channels := make([]string, 0, len(h.sockets[socketID]))
	for channel := range h.sockets[socketID] {
		channels = append(channels, channel)
		h.unsubscribeLocked(channel, socketID)
	}
	return channels
}

func (h *Hub) unsubscribeLocked(channel, socketID string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, socketID)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	if chans, ok := h.sockets[socketID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(h.sockets, socketID)
		}
	}
}

// Deliver hands env to every locally connected socket on channel.
func (h *Hub) Deliver(channel string, env Envelope) {
	h.mu.RLock()
	sends := make([]SendFunc, 0, len(h.channels[channel]))
	for _, send := range h.channels[channel] {
		sends = append(sends, send)
	}
	h.mu.RUnlock()

	for _, send := range sends {
		send(env)
	}
}

// LocalCount reports sockets on this process only.
func (h *Hub) LocalCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
