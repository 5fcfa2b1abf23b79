// Package api provides HTTP handlers for the chat service.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/roomcast/internal/chat"
	"github.com/ashureev/roomcast/internal/config"
	"github.com/ashureev/roomcast/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	dir   *chat.Directory
	store store.MessageStore
	cfg   *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(dir *chat.Directory, st store.MessageStore, cfg *config.Config) *Handler {
	return &Handler{
		dir:   dir,
		store: st,
		cfg:   cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
