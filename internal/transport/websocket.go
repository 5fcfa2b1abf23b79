package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/roomcast/internal/chat"
	"github.com/ashureev/roomcast/internal/config"
	"github.com/ashureev/roomcast/internal/metrics"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// WebSocketHandler serves chat sessions over WebSocket.
type WebSocketHandler struct {
	dir            *chat.Directory
	conns          *ConnManager
	originPatterns []string
	queueSize      int
	pingInterval   time.Duration
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(dir *chat.Directory, conns *ConnManager, cfg *config.Config, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		dir:            dir,
		conns:          conns,
		originPatterns: OriginPatterns(cfg.AllowedOrigins),
		queueSize:      cfg.OutboundQueueSize,
		pingInterval:   cfg.PingInterval,
		logger:         logger,
	}
}

// OriginPatterns converts configured origins into the host patterns the
// WebSocket handshake matches against. "*" allows any origin.
func OriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if strings.Contains(o, "://") {
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				o = u.Host
			}
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	logger := h.logger.With("session_id", sessionID)
	logger.Debug("WebSocket connection request", "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logger.Warn("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(readLimit)

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	sess := chat.NewSession(sessionID, h.dir, h.queueSize, h.logger)
	defer sess.OnDisconnect()

	if err := sess.Connect(); err != nil {
		logger.Warn("Rejecting chat session", "error", err)
		_ = ws.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Output loop: session queue -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, ws, sess, logger)
	}()

	// Keepalive: a failed ping ends the session.
	go func() {
		defer wg.Done()
		defer cancel()
		h.keepalive(ctx, ws, logger)
	}()

	h.readLoop(ctx, ws, sess, logger)
	cancel()
	sess.OnDisconnect()
	wg.Wait()
	logger.Debug("Chat session ended")
}

// readLoop decodes inbound frames until the connection fails.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sess *chat.Session, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				logger.Debug("WebSocket closed by client", "status", websocket.CloseStatus(err))
			case ctx.Err() != nil:
				logger.Debug("WebSocket read cancelled")
			default:
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		frame, err := chat.DecodeFrame(data)
		if err != nil {
			logger.Debug("Ignoring malformed frame", "error", err)
			continue
		}

		if frame.Event == chat.EventPing {
			sess.Deliver(chat.Event{Name: chat.EventPong})
			continue
		}

		if err := sess.Dispatch(ctx, frame); err != nil {
			if errors.Is(err, chat.ErrDirectoryClosed) || errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("Failed to handle chat event", "event", frame.Event, "error", err)
		}
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, sess *chat.Session, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case ev := <-sess.Outbound():
			if err := writeJSON(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					logger.Debug("WebSocket write error", "event", ev.Name, "error", err)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) keepalive(ctx context.Context, ws *websocket.Conn, logger *slog.Logger) {
	if h.pingInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.pingInterval)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Info("WebSocket keepalive failed", "error", err)
				}
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
