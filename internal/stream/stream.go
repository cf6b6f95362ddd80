// internal/stream/stream.go
//
// Package stream adapts TCP sockets, serial ports and USB bulk endpoints to a
// single byte stream contract consumed by the transport.
package stream

import (
	"context"
	"sync"
	"time"

	"rtu-gateway/internal/model"
)

// Stream is a bidirectional byte stream to one field device
type Stream interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Write sends all of data or returns an error.
	Write(ctx context.Context, data []byte) error
	// Read returns up to maxBytes. It returns (nil, nil) when the per-read
	// timeout elapses without data.
	Read(ctx context.Context, maxBytes int) ([]byte, error)

	Kind() model.ConnectionType
	RemoteAddr() string
	Stats() Stats
}

// Stats provides stream-level statistics
type Stats struct {
	BytesWritten int64     `json:"bytes_written"`
	BytesRead    int64     `json:"bytes_read"`
	WriteCount   int64     `json:"write_count"`
	ReadCount    int64     `json:"read_count"`
	ErrorCount   int64     `json:"error_count"`
	LastActivity time.Time `json:"last_activity"`
	IsConnected  bool      `json:"is_connected"`
}

// statsTracker guards Stats. It is never held across I/O.
type statsTracker struct {
	mu    sync.Mutex
	stats Stats
}

func (t *statsTracker) wrote(n int) {
	t.mu.Lock()
	t.stats.BytesWritten += int64(n)
	t.stats.WriteCount++
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()
}

func (t *statsTracker) read(n int) {
	t.mu.Lock()
	t.stats.BytesRead += int64(n)
	t.stats.ReadCount++
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()
}

func (t *statsTracker) failed() {
	t.mu.Lock()
	t.stats.ErrorCount++
	t.mu.Unlock()
}

func (t *statsTracker) connected(v bool) {
	t.mu.Lock()
	t.stats.IsConnected = v
	if v {
		t.stats.LastActivity = time.Now()
	}
	t.mu.Unlock()
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
