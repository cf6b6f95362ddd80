// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rtu-gateway/internal/channel"
	"rtu-gateway/internal/model"
	"rtu-gateway/internal/utils"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 256

	// eventBuffer is the registry subscription depth feeding all clients
	eventBuffer = 1024
)

// WebSocketHandler streams gateway events to WebSocket clients
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	registry    *channel.Registry
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. An empty
// allowedOrigins accepts any origin.
func NewWebSocketHandler(registry *channel.Registry, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		connections: NewConnectionManager(),
		registry:    registry,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// Run forwards registry events to connected clients until ctx is done or
// the registry closes
func (h *WebSocketHandler) Run(ctx context.Context) {
	subID, events := h.registry.Subscribe(eventBuffer)
	defer h.registry.Unsubscribe(subID)
	defer h.connections.CloseAll()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcastEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

// HandleEventConnection streams events of every channel. The optional
// channel_id and types query parameters narrow the stream.
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	var channelID *string
	if id := c.Query("channel_id"); id != "" {
		channelID = &id
	}
	h.serveClient(c, channelID)
}

// HandleChannelConnection streams the events of one channel
func (h *WebSocketHandler) HandleChannelConnection(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.registry.Get(id); !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Channel not found", channel.ErrChannelNotFound)
		return
	}
	h.serveClient(c, &id)
}

func (h *WebSocketHandler) serveClient(c *gin.Context, channelID *string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, wsSendBuffer),
		ChannelID:   channelID,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	if types := c.Query("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			client.Subscribe(model.EventType(strings.ToUpper(strings.TrimSpace(t))))
		}
	}

	h.connections.Register(client)
	fields := []zap.Field{
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	}
	if channelID != nil {
		fields = append(fields, zap.String("channel_id", *channelID))
	}
	h.logger.Info("WebSocket client connected", fields...)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		data, _ := message.Data.(map[string]interface{})
		topic, _ := data["topic"].(string)
		if topic == "" {
			h.sendError(client, "topic is required")
			return
		}
		eventType := model.EventType(strings.ToUpper(topic))
		if message.Type == "subscribe" {
			client.Subscribe(eventType)
		} else {
			client.Unsubscribe(eventType)
		}
		h.sendMessage(client, &WebSocketMessage{
			Type:      message.Type + "d",
			Data:      map[string]interface{}{"topics": client.Subscriptions()},
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "list_channels":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "channels",
			Data:      h.registry.List(),
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
		h.sendError(client, "unknown message type: "+message.Type)
	}
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.SendTo(client, messageBytes) {
		h.logger.Warn("Client gone or send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// broadcastEvent sends a gateway event to every interested client
func (h *WebSocketHandler) broadcastEvent(ev model.GatewayEvent) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "gateway_event",
		Data:      newEventData(ev),
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	wants := func(c *Client) bool { return c.Wants(ev) }
	for _, id := range h.connections.Broadcast(wants, messageBytes) {
		h.logger.Warn("Client send channel full during broadcast",
			zap.String("client_id", id),
			zap.String("event_type", string(ev.Type)),
		)
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
