// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of gateway event
type EventType string

const (
	EventChannelOpened       EventType = "CHANNEL_OPENED"
	EventChannelClosed       EventType = "CHANNEL_CLOSED"
	EventFrameReceived       EventType = "FRAME_RECEIVED"
	EventCorruptFrame        EventType = "CORRUPT_FRAME"
	EventStreamError         EventType = "STREAM_ERROR"
	EventAcknowledged        EventType = "ACKNOWLEDGED"
	EventSegmentContinuation EventType = "SEGMENT_CONTINUATION"
	EventRequestFailed       EventType = "REQUEST_FAILED"
)

// GatewayEvent is an event published upward to API subscribers
type GatewayEvent struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	Peer      string    `json:"peer,omitempty"`
	InvokeID  *uint8    `json:"invoke_id,omitempty"`
	Frame     []byte    `json:"frame,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewGatewayEvent stamps an event with an id and the current time
func NewGatewayEvent(eventType EventType, channelID string) GatewayEvent {
	return GatewayEvent{
		ID:        uuid.New(),
		Type:      eventType,
		ChannelID: channelID,
		Timestamp: time.Now(),
	}
}
