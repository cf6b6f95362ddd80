// internal/stream/usb.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"rtu-gateway/internal/model"
)

// USBStream implements Stream over a pair of USB bulk endpoints
type USBStream struct {
	config *USBConfig
	logger *zap.Logger

	mutex    sync.RWMutex
	writeMu  sync.Mutex
	usbCtx   *gousb.Context
	device   *gousb.Device
	release  func()
	outEndpt *gousb.OutEndpoint
	inEndpt  *gousb.InEndpoint

	stats statsTracker
}

// NewUSBStream creates a new USB stream
func NewUSBStream(config *USBConfig, logger *zap.Logger) *USBStream {
	return &USBStream{
		config: config,
		logger: logger.With(
			zap.String("stream", "usb"),
			zap.String("vendor_id", config.VendorID),
			zap.String("product_id", config.ProductID),
		),
	}
}

// Open finds the device and claims its default interface
func (s *USBStream) Open(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.device != nil {
		return nil
	}

	vendorID, err := parseHexID(s.config.VendorID)
	if err != nil {
		return fmt.Errorf("invalid vendor ID: %w", err)
	}
	productID, err := parseHexID(s.config.ProductID)
	if err != nil {
		return fmt.Errorf("invalid product ID: %w", err)
	}

	s.logger.Info("Opening USB stream",
		zap.Int("in_endpoint", s.config.InEndpoint),
		zap.Int("out_endpoint", s.config.OutEndpoint),
	)

	usbCtx := gousb.NewContext()
	device, err := usbCtx.OpenDeviceWithVIDPID(gousb.ID(vendorID), gousb.ID(productID))
	if err != nil || device == nil {
		usbCtx.Close()
		if err == nil {
			err = fmt.Errorf("USB device not found (VID: %04X, PID: %04X)", vendorID, productID)
		}
		return fmt.Errorf("failed to open USB device: %w", err)
	}
	if err := device.SetAutoDetach(true); err != nil {
		s.logger.Warn("Kernel driver auto detach unavailable", zap.Error(err))
	}

	intf, done, err := device.DefaultInterface()
	if err != nil {
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to claim interface: %w", err)
	}
	outEndpt, err := intf.OutEndpoint(s.config.OutEndpoint)
	if err != nil {
		done()
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to get out endpoint: %w", err)
	}
	inEndpt, err := intf.InEndpoint(s.config.InEndpoint & 0x7F)
	if err != nil {
		done()
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to get in endpoint: %w", err)
	}

	s.usbCtx = usbCtx
	s.device = device
	s.release = done
	s.outEndpt = outEndpt
	s.inEndpt = inEndpt
	s.stats.connected(true)

	s.logger.Info("USB stream opened")
	return nil
}

// Close releases the interface, the device and the libusb context
func (s *USBStream) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.device == nil {
		return nil
	}

	s.release()
	err := s.device.Close()
	s.usbCtx.Close()

	s.usbCtx, s.device, s.release = nil, nil, nil
	s.outEndpt, s.inEndpt = nil, nil
	s.stats.connected(false)

	if err != nil {
		return fmt.Errorf("failed to close USB device: %w", err)
	}
	s.logger.Info("USB stream closed")
	return nil
}

func (s *USBStream) IsOpen() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.device != nil
}

// Write writes data to the bulk out endpoint
func (s *USBStream) Write(ctx context.Context, data []byte) error {
	s.mutex.RLock()
	out := s.outEndpt
	s.mutex.RUnlock()
	if out == nil {
		return fmt.Errorf("USB stream not open")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := out.WriteContext(ctx, data)
	if err != nil {
		s.stats.failed()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Error("USB write failed", zap.Error(err))
		return fmt.Errorf("failed to write to USB device: %w", err)
	}
	if n != len(data) {
		s.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}
	s.stats.wrote(n)
	return nil
}

// Read reads from the bulk in endpoint, bounded by the read timeout
func (s *USBStream) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	s.mutex.RLock()
	in := s.inEndpt
	s.mutex.RUnlock()
	if in == nil {
		return nil, fmt.Errorf("USB stream not open")
	}

	readCtx, cancel := context.WithTimeout(ctx, s.config.ReadTimeout)
	defer cancel()

	buffer := make([]byte, maxBytes)
	n, err := in.ReadContext(readCtx, buffer)
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
	if readCtx.Err() != nil || errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, gousb.TransferTimedOut) {
		return nil, nil
	}
	s.stats.failed()
	return nil, fmt.Errorf("failed to read from USB device: %w", err)
}

func (s *USBStream) Kind() model.ConnectionType { return model.ConnectionTypeUSB }

func (s *USBStream) RemoteAddr() string {
	return fmt.Sprintf("usb:%s:%s", s.config.VendorID, s.config.ProductID)
}

func (s *USBStream) Stats() Stats { return s.stats.snapshot() }
