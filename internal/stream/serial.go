// internal/stream/serial.go
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"rtu-gateway/internal/model"
)

// SerialStream implements Stream for serial ports
type SerialStream struct {
	config *SerialConfig
	logger *zap.Logger

	mutex   sync.RWMutex
	writeMu sync.Mutex
	port    serial.Port

	stats statsTracker
}

// NewSerialStream creates a new serial stream
func NewSerialStream(config *SerialConfig, logger *zap.Logger) *SerialStream {
	return &SerialStream{
		config: config,
		logger: logger.With(
			zap.String("stream", "serial"),
			zap.String("port", config.Port),
		),
	}
}

// Open opens the serial port
func (s *SerialStream) Open(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port != nil {
		return nil
	}

	s.logger.Info("Opening serial port",
		zap.Int("baud_rate", s.config.BaudRate),
		zap.String("parity", s.config.Parity),
	)

	mode, err := serialMode(s.config)
	if err != nil {
		return err
	}
	port, err := serial.Open(s.config.Port, mode)
	if err != nil {
		s.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.SetReadTimeout(s.config.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.port = port
	s.stats.connected(true)
	s.logger.Info("Serial port opened")
	return nil
}

// Close closes the serial port
func (s *SerialStream) Close() error {
	s.mutex.Lock()
	port := s.port
	s.port = nil
	s.mutex.Unlock()

	if port == nil {
		return nil
	}
	s.stats.connected(false)
	if err := port.Close(); err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	s.logger.Info("Serial port closed")
	return nil
}

func (s *SerialStream) IsOpen() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.port != nil
}

func (s *SerialStream) current() (serial.Port, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.port == nil {
		return nil, fmt.Errorf("serial port not open")
	}
	return s.port, nil
}

// Write writes data to the serial port
func (s *SerialStream) Write(ctx context.Context, data []byte) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for written < len(data) {
		n, err := port.Write(data[written:])
		if err != nil {
			s.stats.failed()
			s.logger.Error("Serial write failed", zap.Error(err))
			return fmt.Errorf("failed to write to serial port: %w", err)
		}
		written += n
	}
	s.stats.wrote(written)
	s.logger.Debug("Serial write completed", zap.Int("bytes", written))
	return nil
}

// Read reads from the serial port. The port read timeout bounds each call.
func (s *SerialStream) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	port, err := s.current()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buffer := make([]byte, maxBytes)
	n, err := port.Read(buffer)
	if err != nil {
		s.stats.failed()
		return nil, fmt.Errorf("failed to read from serial port: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	s.stats.read(n)
	return buffer[:n], nil
}

func (s *SerialStream) Kind() model.ConnectionType { return model.ConnectionTypeSerial }

func (s *SerialStream) RemoteAddr() string { return s.config.Port }

func (s *SerialStream) Stats() Stats { return s.stats.snapshot() }

func serialMode(c *SerialConfig) (*serial.Mode, error) {
	sb, err := stopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	p, err := parity(c.Parity)
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: sb,
		Parity:   p,
	}, nil
}

func stopBits(n int) (serial.StopBits, error) {
	switch n {
	case 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("invalid stop bits: %d", n)
	}
}

func parity(name string) (serial.Parity, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	case "even":
		return serial.EvenParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	default:
		return 0, fmt.Errorf("invalid parity: %q", name)
	}
}

// PortInfo describes a serial port present on the host
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListSerialPorts enumerates serial ports with USB details where available
func ListSerialPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VendorID:     d.VID,
			ProductID:    d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
