// Package sync broadcasts session-changed events to a user's other open
// tabs. It is a thin consumer of session and external-login outcomes; nothing
// here is persisted or security-critical.
package sync

import (
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("sessionsync",
	fx.Provide(NewHub),
)

const (
	KindSessionCreated = "session_created"
	KindSessionRotated = "session_rotated"
	KindSessionRevoked = "session_revoked"
	KindReplayDetected = "replay_detected"
)

const (
	DefaultBufferSize       = 20
	DefaultSubscriberBuffer = 8
)

// Event describes one change to a user's session state.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// Hub fans session events out to per-user subscriber streams.
type Hub struct {
	mu               sync.RWMutex
	streams          map[snowflake.ID]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []Event
	subs   map[uint64]chan Event
	nextID uint64
}

// Subscription is one tab's handle on a user's event stream.
type Subscription struct {
	hub    *Hub
	userID snowflake.ID
	id     uint64
	ch     chan Event
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[snowflake.ID]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish delivers an event to every open subscription for the user. Slow
// subscribers are skipped rather than blocking the auth path.
func (h *Hub) Publish(userID snowflake.ID, event Event) {
	if h == nil || userID == 0 {
		return
	}
	h.mu.RLock()
	stream := h.streams[userID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan Event, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe opens a stream for the user and returns recently buffered events.
func (h *Hub) Subscribe(userID snowflake.ID) (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, errors.New("hub unavailable")
	}
	if userID == 0 {
		return nil, nil, errors.New("invalid user id")
	}

	stream := h.ensureStream(userID)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan Event)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]Event(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:    h,
		userID: userID,
		id:     id,
		ch:     ch,
	}, buffer, nil
}

func (h *Hub) ensureStream(userID snowflake.ID) *stream {
	h.mu.RLock()
	current := h.streams[userID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[userID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Event)}
		h.streams[userID] = current
	}
	return current
}

func (h *Hub) unsubscribe(userID snowflake.ID, id uint64) {
	if h == nil {
		return
	}
	h.mu.RLock()
	stream := h.streams[userID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	if ch, ok := stream.subs[id]; ok {
		delete(stream.subs, id)
		close(ch)
	}
	stream.mu.Unlock()
}

// Events returns the subscription's receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.userID, s.id)
	})
}
