package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/roomcast/internal/domain"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore is an in-memory MessageStore with switchable failures.
type fakeStore struct {
	mu         sync.Mutex
	messages   []domain.Message
	nextID     int64
	appendErr  error
	historyErr error

	// When historyGate is set, RecentHistory signals historyStarted and
	// blocks until the gate is closed.
	historyStarted chan struct{}
	historyGate    chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) Append(_ context.Context, room, author, text string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.appendErr != nil {
		return domain.Message{}, f.appendErr
	}
	f.nextID++
	msg := domain.Message{
		ID:        f.nextID,
		Room:      room,
		Username:  author,
		Text:      text,
		CreatedAt: time.UnixMilli(1_700_000_000_000 + f.nextID),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) RecentHistory(ctx context.Context, room string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	started, gate := f.historyStarted, f.historyGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.historyErr != nil {
		return nil, f.historyErr
	}
	var inRoom []domain.Message
	for _, m := range f.messages {
		if m.Room == room {
			inRoom = append(inRoom, m)
		}
	}
	if len(inRoom) > limit {
		inRoom = inRoom[len(inRoom)-limit:]
	}
	return inRoom, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) seed(room string, n int) {
	for i := 0; i < n; i++ {
		_, _ = f.Append(context.Background(), room, "seed", fmt.Sprintf("seed-%d", i))
	}
}

// recorder is a Peer that keeps every delivered event.
type recorder struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) named(name string) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last(name string) (Event, bool) {
	evs := r.named(name)
	if len(evs) == 0 {
		return Event{}, false
	}
	return evs[len(evs)-1], true
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// messages returns the receiveMessage payloads seen by the peer.
func (r *recorder) messages() []ChatMessage {
	var out []ChatMessage
	for _, ev := range r.named(EventReceiveMessage) {
		out = append(out, ev.Data.(ChatMessage))
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDirectory(t *testing.T, st *fakeStore) *Directory {
	t.Helper()
	d := NewDirectory(st, Options{HistoryLimit: 50, StoreTimeout: time.Second, Logger: discardLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

// connect registers a new recorder with the directory.
func connect(t *testing.T, d *Directory, id string) *recorder {
	t.Helper()
	r := newRecorder(id)
	if err := d.Register(r); err != nil {
		t.Fatalf("Register(%s) error: %v", id, err)
	}
	return r
}

func join(t *testing.T, d *Directory, id, username, room string) []domain.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	history, err := d.Join(ctx, id, username, room)
	if err != nil {
		t.Fatalf("Join(%s, %s, %s) error: %v", id, username, room, err)
	}
	return history
}

// quiesce waits until every room worker has drained its queue.
func quiesce(t *testing.T, d *Directory) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		idle := len(d.queues) == 0
		d.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("room workers did not drain in time")
}

func roomList(t *testing.T, ev Event) []string {
	t.Helper()
	names, ok := ev.Data.([]string)
	if !ok {
		t.Fatalf("roomList payload is %T", ev.Data)
	}
	return names
}
