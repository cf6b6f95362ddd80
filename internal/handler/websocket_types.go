// internal/handler/websocket_types.go
package handler

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rtu-gateway/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	ChannelID   *string         `json:"channel_id,omitempty"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	mutex         sync.RWMutex
	subscriptions map[model.EventType]bool
}

// Subscribe narrows the client to the given event type. A client without
// subscriptions receives every event.
func (c *Client) Subscribe(eventType model.EventType) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[model.EventType]bool)
	}
	c.subscriptions[eventType] = true
}

// Unsubscribe removes an event type subscription
func (c *Client) Unsubscribe(eventType model.EventType) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.subscriptions, eventType)
}

// Subscriptions returns the subscribed event types
func (c *Client) Subscriptions() []model.EventType {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	types := make([]model.EventType, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		types = append(types, t)
	}
	return types
}

// Wants reports whether ev passes the client's channel and type filters
func (c *Client) Wants(ev model.GatewayEvent) bool {
	if c.ChannelID != nil && *c.ChannelID != ev.ChannelID {
		return false
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[ev.Type]
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// EventData is the websocket form of a gateway event with frames in hex
type EventData struct {
	ID        uuid.UUID       `json:"id"`
	Type      model.EventType `json:"type"`
	ChannelID string          `json:"channel_id"`
	Peer      string          `json:"peer,omitempty"`
	InvokeID  *uint8          `json:"invoke_id,omitempty"`
	Frame     string          `json:"frame,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newEventData(ev model.GatewayEvent) EventData {
	return EventData{
		ID:        ev.ID,
		Type:      ev.Type,
		ChannelID: ev.ChannelID,
		Peer:      ev.Peer,
		InvokeID:  ev.InvokeID,
		Frame:     hex.EncodeToString(ev.Frame),
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
	}
}

// ConnectionManager manages WebSocket connections. A client's Send channel
// is only written while the client is registered and is closed on removal.
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister removes a client and closes its Send channel
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if _, ok := cm.clients[client.ID]; ok {
		delete(cm.clients, client.ID)
		close(client.Send)
	}
}

// SendTo queues message for one client. It reports false when the client is
// gone or its queue is full.
func (cm *ConnectionManager) SendTo(client *Client, message []byte) bool {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	if _, ok := cm.clients[client.ID]; !ok {
		return false
	}
	select {
	case client.Send <- message:
		return true
	default:
		return false
	}
}

// Broadcast queues message for every client accepted by filter and returns
// the ids of clients whose queue was full
func (cm *ConnectionManager) Broadcast(filter func(*Client) bool, message []byte) []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var dropped []string
	for _, client := range cm.clients {
		if !filter(client) {
			continue
		}
		select {
		case client.Send <- message:
		default:
			dropped = append(dropped, client.ID)
		}
	}
	return dropped
}

// CloseAll unregisters every client
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	for id, client := range cm.clients {
		delete(cm.clients, id)
		close(client.Send)
	}
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		ByChannel:        make(map[string]int),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}

	for _, client := range cm.clients {
		key := "*"
		if client.ChannelID != nil {
			key = *client.ChannelID
		}
		stats.ByChannel[key]++
		stats.Clients = append(stats.Clients, client)
	}

	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ByChannel        map[string]int `json:"by_channel"`
	Clients          []*Client      `json:"clients"`
}
