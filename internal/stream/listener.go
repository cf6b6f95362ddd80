// internal/stream/listener.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Listener accepts inbound TCP connections from devices that dial the gateway
type Listener struct {
	address string
	config  *TCPConfig
	logger  *zap.Logger
	ln      net.Listener
}

// Listen binds address. Accepted streams inherit config timeouts.
func Listen(address string, config *TCPConfig, logger *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return &Listener{
		address: address,
		config:  config,
		logger:  logger.With(zap.String("listener", ln.Addr().String())),
		ln:      ln,
	}, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called,
// handing each one to accept as an open stream.
func (l *Listener) Serve(ctx context.Context, accept func(*TCPStream)) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	l.logger.Info("Accepting device connections")
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		l.logger.Info("Device connected", zap.String("remote", conn.RemoteAddr().String()))
		accept(NewTCPStreamFromConn(conn, l.config, l.logger))
	}
}

// Close stops accepting
func (l *Listener) Close() error {
	return l.ln.Close()
}
