// internal/model/channel.go
package model

import "time"

// ConnectionType represents how a field device is reached
type ConnectionType string

const (
	ConnectionTypeTCP    ConnectionType = "TCP"
	ConnectionTypeSerial ConnectionType = "SERIAL"
	ConnectionTypeUSB    ConnectionType = "USB"
)

// WireProtocol selects the frame format spoken on a channel
type WireProtocol string

const (
	ProtocolHeader WireProtocol = "HEADER"
	ProtocolMeter  WireProtocol = "METER"
	ProtocolBACnet WireProtocol = "BACNET"
)

// ChannelStatus represents the lifecycle state of a channel
type ChannelStatus string

const (
	ChannelStatusOpen   ChannelStatus = "OPEN"
	ChannelStatusClosed ChannelStatus = "CLOSED"
	ChannelStatusFailed ChannelStatus = "FAILED"
)

// ChannelInfo is the externally visible summary of a channel
type ChannelInfo struct {
	ID             string         `json:"id"`
	ConnectionType ConnectionType `json:"connection_type"`
	Protocol       WireProtocol   `json:"protocol"`
	Remote         string         `json:"remote"`
	Status         ChannelStatus  `json:"status"`
	OpenedAt       time.Time      `json:"opened_at"`
	Error          string         `json:"error,omitempty"`
	Stats          ChannelStats   `json:"stats"`
}

// ChannelStats aggregates stream, transport and correlation counters
type ChannelStats struct {
	BytesWritten     int64     `json:"bytes_written"`
	BytesRead        int64     `json:"bytes_read"`
	FramesSent       int64     `json:"frames_sent"`
	FramesReceived   int64     `json:"frames_received"`
	CorruptFrames    int64     `json:"corrupt_frames"`
	BytesDiscarded   int64     `json:"bytes_discarded"`
	PendingRequests  int       `json:"pending_requests"`
	LateEvents       int64     `json:"late_events"`
	LastActivity     time.Time `json:"last_activity"`
}
