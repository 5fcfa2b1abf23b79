package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/roomcast/internal/config"
	"github.com/ashureev/roomcast/internal/domain"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"
)

// RoomsHandler serves read-only views of rooms, presence and history.
type RoomsHandler struct {
	*Handler
	sfGroup singleflight.Group // coalesces identical history reads
}

// NewRoomsHandler creates a new rooms handler.
func NewRoomsHandler(base *Handler) *RoomsHandler {
	return &RoomsHandler{Handler: base}
}

// RegisterRoutes registers room routes.
func (h *RoomsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", h.ListRooms)
		r.Get("/{room}/users", h.RoomUsers)
		r.Get("/{room}/history", h.History)
	})
}

// ListRooms returns every non-empty room with its member count.
func (h *RoomsHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"rooms": h.dir.Rooms(),
	})
}

// RoomUsers returns the present usernames of a room in arrival order.
func (h *RoomsHandler) RoomUsers(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	users, ok := h.dir.RoomUsers(room)
	if !ok {
		Error(w, http.StatusNotFound, "room not found")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"room":  room,
		"users": users,
	})
}

// History returns the most recent persisted messages of a room.
// Rooms without members still have history.
func (h *RoomsHandler) History(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	limit := h.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, config.MaxHistoryLimit)
	}

	timeout := h.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = healthCheckTimeout
	}

	key := room + "\x00" + strconv.Itoa(limit)
	v, err, _ := h.sfGroup.Do(key, func() (interface{}, error) {
		// Detached from the cancellation of the request that started the read.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
		defer cancel()
		return h.store.RecentHistory(ctx, room, limit)
	})
	if err != nil {
		slog.Error("Failed to read history", "room", room, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	messages, _ := v.([]domain.Message)
	if messages == nil {
		messages = []domain.Message{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"room":     room,
		"messages": messages,
	})
}
