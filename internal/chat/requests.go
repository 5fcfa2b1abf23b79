package chat

import "github.com/ashureev/roomcast/internal/domain"

// request is one unit of work for a room worker. The set of variants is
// closed: joinRequest, sendRequest, typingRequest and leaveRequest.
type request interface {
	room() string
}

type joinRequest struct {
	sessionID string
	username  string
	roomName  string
	reply     chan []domain.Message
}

type sendRequest struct {
	sessionID string
	username  string
	roomName  string
	text      string
}

type typingRequest struct {
	sessionID string
	username  string
	roomName  string
	stopped   bool
}

type leaveRequest struct {
	sessionID string
	username  string
	roomName  string
}

func (r joinRequest) room() string   { return r.roomName }
func (r sendRequest) room() string   { return r.roomName }
func (r typingRequest) room() string { return r.roomName }
func (r leaveRequest) room() string  { return r.roomName }

// claim is the (username, room) pair a session last asked to join.
type claim struct {
	username string
	room     string
}
