package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ashureev/roomcast/internal/metrics"
)

const defaultQueueSize = 256

// Session adapts one client connection to the Directory. It validates
// input, remembers the pair it joined under and buffers outbound events
// for the connection's writer.
type Session struct {
	id     string
	dir    *Directory
	logger *slog.Logger

	out    chan Event
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	mu       sync.Mutex
	username string
	room     string
	joined   bool
}

// NewSession creates a session with an outbound buffer of queueSize events.
func NewSession(id string, dir *Directory, queueSize int, logger *slog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:     id,
		dir:    dir,
		logger: logger.With("session_id", id),
		out:    make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the opaque connection identifier.
func (s *Session) ID() string { return s.id }

// Outbound returns the queue the connection writer drains.
func (s *Session) Outbound() <-chan Event { return s.out }

// Done is closed once the session has disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues ev without blocking. Events for a disconnected session, or
// beyond the queue capacity, are dropped.
func (s *Session) Deliver(ev Event) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		metrics.DroppedEvents.WithLabelValues(ev.Name).Inc()
		s.logger.Warn("Outbound queue full, dropping event", "event", ev.Name)
		return false
	}
}

// Connect registers the session with the Directory, which answers with the
// current room list.
func (s *Session) Connect() error {
	return s.dir.Register(s)
}

// Joined returns the pair recorded by the last accepted join request.
func (s *Session) Joined() (username, room string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.room, s.joined
}

// OnJoinRequest joins room as username. Blank values are ignored.
func (s *Session) OnJoinRequest(ctx context.Context, username, room string) error {
	username = strings.TrimSpace(username)
	room = strings.TrimSpace(room)
	if username == "" || room == "" {
		return nil
	}

	s.mu.Lock()
	s.username, s.room, s.joined = username, room, true
	s.mu.Unlock()

	if _, err := s.dir.Join(ctx, s.id, username, room); err != nil {
		return fmt.Errorf("join %q: %w", room, err)
	}
	return nil
}

// OnSend sends the trimmed text to the joined room. Blank text, or a
// session that has not joined, is ignored.
func (s *Session) OnSend(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	username, room, ok := s.Joined()
	if !ok {
		return nil
	}
	return s.dir.Send(s.id, room, username, text)
}

// OnTyping relays a typing hint to the joined room.
func (s *Session) OnTyping() error {
	username, room, ok := s.Joined()
	if !ok {
		return nil
	}
	return s.dir.NotifyTyping(s.id, room, username)
}

// OnStopTyping relays the end of a typing hint to the joined room.
func (s *Session) OnStopTyping() error {
	username, room, ok := s.Joined()
	if !ok {
		return nil
	}
	return s.dir.StopTyping(s.id, room, username)
}

// OnDisconnect leaves the Directory. Only the first call has any effect.
func (s *Session) OnDisconnect() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if err := s.dir.Leave(s.id); err != nil {
			s.logger.Debug("Leave after disconnect failed", "error", err)
		}
	})
}

// Dispatch routes one inbound frame to the matching handler. Unknown events
// and undecodable payloads are ignored.
func (s *Session) Dispatch(ctx context.Context, f Frame) error {
	switch f.Event {
	case EventJoinRoom:
		var p JoinPayload
		if !s.decode(f, &p) {
			return nil
		}
		return s.OnJoinRequest(ctx, p.Username, p.Room)
	case EventSendMessage:
		var p SendPayload
		if !s.decode(f, &p) {
			return nil
		}
		return s.OnSend(p.Message)
	case EventTyping:
		return s.OnTyping()
	case EventStopTyping:
		return s.OnStopTyping()
	default:
		s.logger.Debug("Ignoring unknown event", "event", f.Event)
		return nil
	}
}

func (s *Session) decode(f Frame, v any) bool {
	if len(f.Data) == 0 {
		return false
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		s.logger.Debug("Ignoring malformed payload", "event", f.Event, "error", err)
		return false
	}
	return true
}
