// internal/stream/tcp.go
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtu-gateway/internal/model"
)

// TCPStream implements Stream over a TCP socket
type TCPStream struct {
	config *TCPConfig
	logger *zap.Logger

	mutex   sync.RWMutex // guards conn
	writeMu sync.Mutex   // serializes writers
	conn    net.Conn
	remote  string

	stats statsTracker
}

// NewTCPStream creates a stream that dials config on Open
func NewTCPStream(config *TCPConfig, logger *zap.Logger) *TCPStream {
	return &TCPStream{
		config: config,
		remote: config.Address(),
		logger: logger.With(
			zap.String("stream", "tcp"),
			zap.String("remote", config.Address()),
		),
	}
}

// NewTCPStreamFromConn wraps an already connected socket, typically one
// accepted by a Listener. The stream is open on return.
func NewTCPStreamFromConn(conn net.Conn, config *TCPConfig, logger *zap.Logger) *TCPStream {
	if config == nil {
		config = &TCPConfig{ReadTimeout: DefaultReadTimeout}
	}
	remote := conn.RemoteAddr().String()
	s := &TCPStream{
		config: config,
		conn:   conn,
		remote: remote,
		logger: logger.With(
			zap.String("stream", "tcp"),
			zap.String("remote", remote),
		),
	}
	s.stats.connected(true)
	return s
}

// Open dials the configured address
func (s *TCPStream) Open(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn != nil {
		return nil
	}

	address := s.config.Address()
	s.logger.Info("Opening TCP stream", zap.Bool("ssl", s.config.SSL))

	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	if s.config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	}

	var conn net.Conn
	var err error
	if s.config.SSL {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.config.Host}}
		conn, err = td.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		s.logger.Error("Failed to open TCP stream", zap.Error(err))
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	s.conn = conn
	s.stats.connected(true)
	s.logger.Info("TCP stream opened")
	return nil
}

// Close closes the socket. A blocked Read or Write returns with an error.
func (s *TCPStream) Close() error {
	s.mutex.Lock()
	conn := s.conn
	s.conn = nil
	s.mutex.Unlock()

	if conn == nil {
		return nil
	}
	s.stats.connected(false)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close TCP stream: %w", err)
	}
	s.logger.Info("TCP stream closed")
	return nil
}

func (s *TCPStream) IsOpen() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.conn != nil
}

func (s *TCPStream) current() (net.Conn, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.conn == nil {
		return nil, fmt.Errorf("TCP stream not open")
	}
	return s.conn, nil
}

// Write writes all of data before the write timeout or ctx expires
func (s *TCPStream) Write(ctx context.Context, data []byte) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Time{}
	if s.config.WriteTimeout > 0 {
		deadline = time.Now().Add(s.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetWriteDeadline(time.Now()) })
	defer stop()

	n, err := conn.Write(data)
	if err != nil {
		s.stats.failed()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Error("TCP write failed", zap.Error(err))
		return fmt.Errorf("failed to write to TCP stream: %w", err)
	}
	s.stats.wrote(n)
	s.logger.Debug("TCP write completed", zap.Int("bytes", n))
	return nil
}

// Read waits up to the read timeout for data
func (s *TCPStream) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}

	if s.config.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buffer := make([]byte, maxBytes)
	n, err := conn.Read(buffer)
	if n > 0 {
		s.stats.read(n)
		return buffer[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, nil
	}
	s.stats.failed()
	return nil, fmt.Errorf("failed to read from TCP stream: %w", err)
}

func (s *TCPStream) Kind() model.ConnectionType { return model.ConnectionTypeTCP }

func (s *TCPStream) RemoteAddr() string { return s.remote }

func (s *TCPStream) Stats() Stats { return s.stats.snapshot() }
