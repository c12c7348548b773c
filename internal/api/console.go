package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/events"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
	// maxInflight caps the commands one console client may have running.
	maxInflight = 4
)

var errConsoleBusy = errors.New("too many commands in flight")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware and the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// consoleMessage is the envelope of every frame sent to console clients.
type consoleMessage struct {
	Type  string           `json:"type"`
	Event *events.Record   `json:"event,omitempty"`
	Reply *commandResponse `json:"reply,omitempty"`
}

// consoleCommand is a frame sent by console clients.
type consoleCommand struct {
	Server  string `json:"server"`
	Command string `json:"command"`
}

// Hub is an events.Handler that streams every dispatched event to the
// connected console clients. Clients that fall behind lose frames.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	logger  zerolog.Logger
}

type hubClient struct {
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  log.With().Str("component", "console-stream").Logger(),
	}
}

// Name implements events.Handler.
func (h *Hub) Name() string { return "console-stream" }

// OnEvent implements events.Handler.
func (h *Hub) OnEvent(_ context.Context, e *events.GameEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return nil
	}

	rec := e.Record()
	data, err := json.Marshal(consoleMessage{Type: "event", Event: &rec})
	if err != nil {
		return err
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug().Msg("console client lagging, frame dropped")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe() *hubClient {
	c := &hubClient{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// handleConsole upgrades to a websocket streaming events, and runs
// commands sent as {"server": "...", "command": "..."} frames.
func (s *Server) handleConsole(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "console stream disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := s.hub.subscribe()
	defer s.hub.unsubscribe(client)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Replies are queued on the same channel as events so a single
	// goroutine writes to the connection.
	sendReply := func(reply commandResponse) {
		data, _ := json.Marshal(consoleMessage{Type: "reply", Reply: &reply})
		select {
		case client.send <- data:
		case <-ctx.Done():
		}
	}

	go func() {
		defer cancel()
		inflight := make(chan struct{}, maxInflight)
		for {
			var cmd consoleCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Command == "" {
				continue
			}
			select {
			case inflight <- struct{}{}:
			default:
				reply := buildCommandResponse(nil, errConsoleBusy)
				data, _ := json.Marshal(consoleMessage{Type: "reply", Reply: &reply})
				select {
				case client.send <- data:
				default:
				}
				continue
			}
			go func(cmd consoleCommand) {
				defer func() { <-inflight }()
				e, err := s.backend.Execute(ctx, cmd.Server, cmd.Command)
				sendReply(buildCommandResponse(e, err))
			}(cmd)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
