package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/response"
	"peercall-backend/pkg/sanitize"
)

// CallAgent is the part of the call manager the event stream uses
type CallAgent interface {
	Self() domain.Participant
	Subscribe() (<-chan domain.CallEvent, func())
	AcceptCall(ctx context.Context, peerID string) (domain.CallSnapshot, error)
	DeclineCall(ctx context.Context, peerID string) error
	EndCall(ctx context.Context, peerID string) error
	ToggleLocalAudio(ctx context.Context, peerID string) (bool, error)
	ToggleLocalVideo(ctx context.Context, peerID string) (bool, error)
}

// Command types accepted from the client
const (
	CommandAccept      = "accept"
	CommandDecline     = "decline"
	CommandEnd         = "end"
	CommandToggleAudio = "toggle_audio"
	CommandToggleVideo = "toggle_video"
)

// Frame types sent to the client
const (
	FrameEvent  = "event"
	FrameResult = "result"
	FrameError  = "error"
)

// Command is a call command sent by the UI over the event stream
type Command struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// Frame is one outbound message. ID echoes the command it answers.
type Frame struct {
	Type   string                `json:"type"`
	ID     string                `json:"id,omitempty"`
	Event  *domain.CallEvent     `json:"event,omitempty"`
	Result any                   `json:"result,omitempty"`
	Error  *response.ErrorDetail `json:"error,omitempty"`
}

// EventHub streams call events to UI clients and accepts call commands
type EventHub struct {
	agent    CallAgent
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	maxConnections int
	semaphore      chan struct{}
}

// EventClient is one connected event stream
type EventClient struct {
	hub         *EventHub
	conn        *websocket.Conn
	send        chan []byte
	events      <-chan domain.CallEvent
	unsubscribe func()
	userID      string
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// NewEventHub creates an event hub. Origins lists the browser origins allowed
// to connect; maxConnections <= 0 uses the default.
func NewEventHub(agent CallAgent, m *metrics.Metrics, origins []string, maxConnections int) *EventHub {
	if maxConnections <= 0 {
		maxConnections = constants.MaxEventStreams
	}

	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[origin] = true
	}

	return &EventHub{
		agent:   agent,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Reject empty origins - require explicit origin
				origin := r.Header.Get("Origin")
				return origin != "" && allowed[origin]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS upgrades an authenticated request to an event stream
// GET /v1/events
func (h *EventHub) ServeWS(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	if userID != h.agent.Self().ID {
		response.Forbidden(c, "Token does not belong to this call agent")
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.metrics.RecordWebSocketError("capacity")
		response.Error(c, http.StatusServiceUnavailable, string(apperrors.ErrCodeServiceUnavail), "Server at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	events, unsubscribe := h.agent.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	client := &EventClient{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, constants.EventStreamBuffer),
		events:      events,
		unsubscribe: unsubscribe,
		userID:      userID,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.metrics.IncrementWebSocketConnections()

	go client.writePump()
	go client.readPump()
}

func (c *EventClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.unsubscribe()
		c.conn.Close()
		c.hub.metrics.DecrementWebSocketConnections()
		<-c.hub.semaphore
	})
}

// readPump reads commands until the connection drops
func (c *EventClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(constants.MaxCommandSize)
	c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.metrics.RecordWebSocketError("invalid_message")
			c.queue(Frame{Type: FrameError, Error: &response.ErrorDetail{
				Code:    string(apperrors.ErrCodeValidation),
				Message: "Invalid message format",
			}})
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(cmd.Type, "inbound")
		c.queue(c.execute(cmd))
	}
}

// execute runs one command against the agent
func (c *EventClient) execute(cmd Command) Frame {
	if cmd.PeerID == "" {
		return errorFrame(cmd.ID, apperrors.MissingFieldError("peer_id"))
	}
	if !sanitize.ValidateParticipantID(cmd.PeerID) {
		return errorFrame(cmd.ID, apperrors.ValidationError("invalid peer id"))
	}

	ctx, cancel := context.WithTimeout(c.ctx, constants.CommandTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	agent := c.hub.agent
	switch cmd.Type {
	case CommandAccept:
		result, err = agent.AcceptCall(ctx, cmd.PeerID)
	case CommandDecline:
		err = agent.DeclineCall(ctx, cmd.PeerID)
	case CommandEnd:
		err = agent.EndCall(ctx, cmd.PeerID)
	case CommandToggleAudio:
		var enabled bool
		enabled, err = agent.ToggleLocalAudio(ctx, cmd.PeerID)
		result = gin.H{"audio_enabled": enabled}
	case CommandToggleVideo:
		var enabled bool
		enabled, err = agent.ToggleLocalVideo(ctx, cmd.PeerID)
		result = gin.H{"video_enabled": enabled}
	default:
		err = apperrors.ValidationError("unknown command type: " + cmd.Type)
	}

	if err != nil {
		logger.Debug("Event stream command failed",
			zap.String("command", cmd.Type),
			zap.String("peer_id", cmd.PeerID),
			zap.Error(err))
		return errorFrame(cmd.ID, err)
	}
	return Frame{Type: FrameResult, ID: cmd.ID, Result: result}
}

func errorFrame(id string, err error) Frame {
	appErr := apperrors.GetAppError(err)
	return Frame{Type: FrameError, ID: id, Error: &response.ErrorDetail{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Retryable: appErr.Retryable,
	}}
}

func (c *EventClient) queue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// writePump writes events and command results to the connection
func (c *EventClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				// Manager closed
				c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "call agent shutting down"))
				return
			}
			data, err := json.Marshal(Frame{Type: FrameEvent, Event: &ev})
			if err != nil {
				logger.Error("Failed to encode call event", zap.Error(err))
				continue
			}
			if !c.write(data) {
				return
			}
			c.hub.metrics.RecordWebSocketMessage(string(ev.Type), "outbound")

		case data := <-c.send:
			if !c.write(data) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *EventClient) write(data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.hub.metrics.RecordWebSocketError("write")
		return false
	}
	return true
}
