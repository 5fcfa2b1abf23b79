// Package chat implements room membership and the message broadcast
// pipeline: the Room Directory and the per-connection Session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/roomcast/internal/domain"
	"github.com/ashureev/roomcast/internal/metrics"
	"github.com/ashureev/roomcast/internal/store"
)

var (
	// ErrDirectoryClosed is returned for requests made after Close.
	ErrDirectoryClosed = errors.New("directory closed")
	// ErrUnknownSession is returned by Join for a session that never registered.
	ErrUnknownSession = errors.New("unknown session")
)

const (
	defaultHistoryLimit = 50
	defaultStoreTimeout = 5 * time.Second
)

// Peer is the Directory's view of one connected session. Deliver must not
// block; it reports whether the event was queued.
type Peer interface {
	ID() string
	Deliver(ev Event) bool
}

// Options configures a Directory.
type Options struct {
	HistoryLimit int
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

type room struct {
	name     string
	users    []string          // distinct usernames in arrival order
	sessions map[string]string // session id -> username
}

// claimedBy reports whether any registered session still claims username.
func (r *room) claimedBy(username string) bool {
	for _, u := range r.sessions {
		if u == username {
			return true
		}
	}
	return false
}

// Directory is the registry of rooms and the owner of the join, send,
// typing and leave protocol.
//
// Requests for one room are appended to that room's FIFO and drained by a
// single worker goroutine, started on demand and retired once the FIFO is
// empty. Membership changes and the broadcasts describing them happen under
// mu, so the room list and every room's presence agree for all observers.
// Store calls run in the worker with mu released.
type Directory struct {
	store        store.MessageStore
	historyLimit int
	storeTimeout time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	peers  map[string]Peer
	claims map[string]claim
	rooms  map[string]*room
	queues map[string][]request // a key is present while its worker runs
}

// NewDirectory creates an empty Directory backed by st.
func NewDirectory(st store.MessageStore, opts Options) *Directory {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		store:        st,
		historyLimit: opts.HistoryLimit,
		storeTimeout: opts.StoreTimeout,
		logger:       opts.Logger,
		ctx:          ctx,
		cancel:       cancel,
		peers:        make(map[string]Peer),
		claims:       make(map[string]claim),
		rooms:        make(map[string]*room),
		queues:       make(map[string][]request),
	}
}

// Register adds a connected peer and sends it the current room list.
func (d *Directory) Register(p Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDirectoryClosed
	}
	d.peers[p.ID()] = p
	p.Deliver(roomListEvent(d.roomNamesLocked()))
	return nil
}

// Join places the session in room under username and blocks until the room
// worker has processed the request. The returned history is the same
// snapshot the worker delivered to the session as chatHistory.
//
// A session already joined under a different pair leaves it first.
func (d *Directory) Join(ctx context.Context, sessionID, username, roomName string) ([]domain.Message, error) {
	reply := make(chan []domain.Message, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDirectoryClosed
	}
	if _, ok := d.peers[sessionID]; !ok {
		d.mu.Unlock()
		return nil, ErrUnknownSession
	}

	next := claim{username: username, room: roomName}
	if prev, ok := d.claims[sessionID]; ok && prev != next {
		d.enqueueLocked(leaveRequest{sessionID: sessionID, username: prev.username, roomName: prev.room})
	}
	d.claims[sessionID] = next
	d.enqueueLocked(joinRequest{sessionID: sessionID, username: username, roomName: roomName, reply: reply})
	d.mu.Unlock()

	select {
	case history := <-reply:
		return history, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send persists text and broadcasts it to the room once stored. A failed
// append is reported to the sending session only.
func (d *Directory) Send(sessionID, roomName, username, text string) error {
	return d.submit(sendRequest{sessionID: sessionID, username: username, roomName: roomName, text: text})
}

// NotifyTyping relays a typing hint to the other sessions in the room.
func (d *Directory) NotifyTyping(sessionID, roomName, username string) error {
	return d.submit(typingRequest{sessionID: sessionID, username: username, roomName: roomName})
}

// StopTyping relays the end of a typing hint to the other sessions in the room.
func (d *Directory) StopTyping(sessionID, roomName, username string) error {
	return d.submit(typingRequest{sessionID: sessionID, username: username, roomName: roomName, stopped: true})
}

// Leave unregisters the session and, if it ever asked to join, queues the
// leave protocol for its last (username, room) pair. Without a recorded
// pair it does nothing.
func (d *Directory) Leave(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.peers, sessionID)
	c, ok := d.claims[sessionID]
	if !ok {
		return nil
	}
	delete(d.claims, sessionID)
	if d.closed {
		return ErrDirectoryClosed
	}
	d.enqueueLocked(leaveRequest{sessionID: sessionID, username: c.username, roomName: c.room})
	return nil
}

// Rooms returns a snapshot of the non-empty rooms sorted by name.
func (d *Directory) Rooms() []domain.RoomSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := d.roomNamesLocked()
	out := make([]domain.RoomSummary, 0, len(names))
	for _, name := range names {
		out = append(out, domain.RoomSummary{Name: name, Members: len(d.rooms[name].users)})
	}
	return out
}

// RoomUsers returns the present usernames of a room in arrival order.
func (d *Directory) RoomUsers(roomName string) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomName]
	if !ok {
		return nil, false
	}
	return slices.Clone(r.users), true
}

// Close rejects new requests and waits for queued ones to drain. If ctx
// expires first, in-flight store calls are cancelled.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("drain room workers: %w", ctx.Err())
	}
}

func (d *Directory) submit(req request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDirectoryClosed
	}
	d.enqueueLocked(req)
	return nil
}

func (d *Directory) enqueueLocked(req request) {
	name := req.room()
	q, running := d.queues[name]
	d.queues[name] = append(q, req)
	if !running {
		d.wg.Add(1)
		go d.runRoom(name)
	}
}

// runRoom drains the FIFO of one room and exits when it is empty.
func (d *Directory) runRoom(name string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		q := d.queues[name]
		if len(q) == 0 {
			delete(d.queues, name)
			d.mu.Unlock()
			return
		}
		req := q[0]
		q[0] = nil
		d.queues[name] = q[1:]
		d.mu.Unlock()

		d.process(req)
	}
}

func (d *Directory) process(req request) {
	switch r := req.(type) {
	case joinRequest:
		d.processJoin(r)
	case sendRequest:
		d.processSend(r)
	case typingRequest:
		d.processTyping(r)
	case leaveRequest:
		d.processLeave(r)
	default:
		d.logger.Error("Unknown room request", "type", fmt.Sprintf("%T", req))
	}
}

func (d *Directory) processJoin(req joinRequest) {
	d.mu.Lock()
	r, ok := d.rooms[req.roomName]
	if !ok {
		r = &room{name: req.roomName, sessions: make(map[string]string)}
		d.rooms[req.roomName] = r
		metrics.RoomsActive.Set(float64(len(d.rooms)))
	}
	if !slices.Contains(r.users, req.username) {
		r.users = append(r.users, req.username)
	}
	r.sessions[req.sessionID] = req.username

	d.broadcastRoomLocked(r, roomUsersEvent(slices.Clone(r.users)), "")
	d.broadcastAllLocked(roomListEvent(d.roomNamesLocked()))
	_, connected := d.peers[req.sessionID]
	d.mu.Unlock()

	metrics.JoinsTotal.Inc()
	d.logger.Debug("Session joined room", "session_id", req.sessionID, "username", req.username, "room", req.roomName)

	history := []domain.Message{}
	if connected {
		history = d.fetchHistory(req.roomName)
	}

	d.mu.Lock()
	if p, ok := d.peers[req.sessionID]; ok {
		p.Deliver(historyEvent(history))
	} else {
		d.logger.Debug("Discarding history for departed session", "session_id", req.sessionID, "room", req.roomName)
	}
	d.broadcastRoomLocked(r, systemNotice(req.username+" joined the room", time.Now()), req.sessionID)
	d.mu.Unlock()

	req.reply <- history
}

func (d *Directory) processSend(req sendRequest) {
	ctx, cancel := context.WithTimeout(d.ctx, d.storeTimeout)
	defer cancel()

	start := time.Now()
	msg, err := d.store.Append(ctx, req.roomName, req.username, req.text)
	metrics.ObserveStore("append", time.Since(start))

	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		metrics.PersistFailures.Inc()
		d.logger.Error("Failed to persist message", "session_id", req.sessionID, "room", req.roomName, "username", req.username, "error", err)
		if p, ok := d.peers[req.sessionID]; ok {
			p.Deliver(Event{Name: EventMessageFailed, Data: MessageFailed{
				Message: req.text,
				Error:   "message could not be delivered",
			}})
		}
		return
	}

	metrics.MessagesTotal.Inc()
	if r, ok := d.rooms[req.roomName]; ok {
		d.broadcastRoomLocked(r, messageEvent(msg), "")
	}
}

func (d *Directory) processTyping(req typingRequest) {
	name := EventTyping
	if req.stopped {
		name = EventStopTyping
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.rooms[req.roomName]; ok {
		d.broadcastRoomLocked(r, Event{Name: name, Data: TypingPayload{Username: req.username}}, req.sessionID)
	}
}

func (d *Directory) processLeave(req leaveRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[req.roomName]
	if !ok {
		return
	}
	if _, registered := r.sessions[req.sessionID]; !registered {
		return
	}
	delete(r.sessions, req.sessionID)
	metrics.LeavesTotal.Inc()

	removed := false
	if !r.claimedBy(req.username) {
		if i := slices.Index(r.users, req.username); i >= 0 {
			r.users = slices.Delete(r.users, i, i+1)
			removed = true
		}
	}

	d.broadcastRoomLocked(r, roomUsersEvent(slices.Clone(r.users)), "")
	if len(r.sessions) == 0 {
		delete(d.rooms, req.roomName)
		metrics.RoomsActive.Set(float64(len(d.rooms)))
	}
	d.broadcastAllLocked(roomListEvent(d.roomNamesLocked()))

	if removed {
		d.broadcastRoomLocked(r, systemNotice(req.username+" left the room", time.Now()), "")
	}
	d.logger.Debug("Session left room", "session_id", req.sessionID, "username", req.username, "room", req.roomName, "removed", removed)
}

func (d *Directory) fetchHistory(roomName string) []domain.Message {
	ctx, cancel := context.WithTimeout(d.ctx, d.storeTimeout)
	defer cancel()

	start := time.Now()
	msgs, err := d.store.RecentHistory(ctx, roomName, d.historyLimit)
	metrics.ObserveStore("recent_history", time.Since(start))
	if err != nil {
		metrics.HistoryFailures.Inc()
		d.logger.Error("Failed to fetch chat history", "room", roomName, "error", err)
		return []domain.Message{}
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs
}

// broadcastRoomLocked delivers ev to every session registered in r except
// the one named by except.
func (d *Directory) broadcastRoomLocked(r *room, ev Event, except string) {
	for sid := range r.sessions {
		if sid == except {
			continue
		}
		if p, ok := d.peers[sid]; ok {
			p.Deliver(ev)
		}
	}
}

func (d *Directory) broadcastAllLocked(ev Event) {
	for _, p := range d.peers {
		p.Deliver(ev)
	}
}

func (d *Directory) roomNamesLocked() []string {
	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
