package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/reconcile"
	"golang.org/x/time/rate"
)

const (
	statusStreamPrefix = "/ws/analysis/"
	writeWait          = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusSource reconciles the status of an analysis
type StatusSource interface {
	Status(ctx context.Context, id string) (*reconcile.Status, error)
}

// WSMessage is the envelope pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler pushes analysis status changes to connected clients.
// Each connection follows one analysis and closes once it is terminal.
type WebSocketHandler struct {
	source   StatusSource
	interval time.Duration
	logger   arbor.ILogger

	mu      sync.Mutex
	clients map[*websocket.Conn]string
}

// NewWebSocketHandler creates a status stream polling every interval
func NewWebSocketHandler(source StatusSource, interval time.Duration, logger arbor.ILogger) *WebSocketHandler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &WebSocketHandler{
		source:   source,
		interval: interval,
		logger:   logger,
		clients:  make(map[*websocket.Conn]string),
	}
}

// HandleAnalysisStatus handles GET /ws/analysis/{id}
func (h *WebSocketHandler) HandleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, statusStreamPrefix)
	if len(segments) != 1 {
		WriteError(w, http.StatusNotFound, "Analysis id is required")
		return
	}
	id := segments[0]

	// unknown analyses are refused before the upgrade
	status, err := h.source.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("analysis_id", id).Msg("Failed to read analysis status")
		WriteError(w, http.StatusInternalServerError, "Failed to read analysis status")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = id
	clientCount := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Str("analysis_id", id).Int("clients", clientCount).Msg("WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Str("analysis_id", id).Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	h.stream(r.Context(), conn, id, status)
}

// stream is the only writer on conn
func (h *WebSocketHandler) stream(ctx context.Context, conn *websocket.Conn, id string, status *reconcile.Status) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// clients may ask for an immediate refresh, at most once a second
	refresh := make(chan struct{}, 1)
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	go h.readLoop(conn, limiter, refresh, cancel)

	var last []byte
	for {
		payload, err := json.Marshal(status)
		if err != nil {
			h.logger.Error().Err(err).Str("analysis_id", id).Msg("Failed to marshal status")
			return
		}
		if !bytes.Equal(payload, last) {
			if err := h.send(conn, WSMessage{Type: "status", Payload: status}); err != nil {
				h.logger.Warn().Err(err).Str("analysis_id", id).Msg("Failed to send status to client")
				return
			}
			last = payload
		}
		if status.State.Terminal() {
			h.close(conn, "analysis finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.interval):
		case <-refresh:
		}

		next, err := h.source.Status(ctx, id)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				h.send(conn, WSMessage{Type: "deleted", Payload: map[string]string{"analysis_id": id}})
				h.close(conn, "analysis deleted")
				return
			}
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Str("analysis_id", id).Msg("Failed to sync analysis status")
			continue
		}
		status = next
	}
}

func (h *WebSocketHandler) readLoop(conn *websocket.Conn, limiter *rate.Limiter, refresh chan<- struct{}, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "refresh" {
			continue
		}
		if !limiter.Allow() {
			continue
		}
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, msg WSMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (h *WebSocketHandler) close(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll closes every client connection, used on shutdown
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.close(conn, "server shutting down")
		conn.Close()
	}
}
