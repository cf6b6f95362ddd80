// internal/channel/options.go
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"rtu-gateway/internal/bacnet"
	"rtu-gateway/internal/frame"
	"rtu-gateway/internal/model"
	"rtu-gateway/internal/stream"
	"rtu-gateway/internal/transport"
)

var (
	ErrChannelExists   = errors.New("channel already exists")
	ErrChannelNotFound = errors.New("channel not found")
	ErrWrongProtocol   = errors.New("operation not supported by channel protocol")
)

// Options are shared by every channel of a Registry
type Options struct {
	Transport transport.Options

	// ByteOrder and HeaderVersion configure the fixed-header framer.
	ByteOrder     binary.ByteOrder
	HeaderVersion uint16

	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxResends     int
	ResendDelay    time.Duration
}

func (o *Options) applyDefaults() {
	if o.Transport.RingCapacity == 0 {
		o.Transport.RingCapacity = transport.DefaultOptions.RingCapacity
	}
	if o.ByteOrder == nil {
		o.ByteOrder = binary.NativeEndian
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 3 * time.Second
	}
	if o.ResendDelay <= 0 {
		o.ResendDelay = 100 * time.Millisecond
	}
}

// Spec describes a channel to open
type Spec struct {
	ID       string             `json:"id" mapstructure:"id"`
	Protocol model.WireProtocol `json:"protocol" mapstructure:"protocol"`
	Stream   stream.Config      `json:"stream" mapstructure:"stream"`
}

// ParseProtocol normalizes a protocol name
func ParseProtocol(name string) (model.WireProtocol, error) {
	switch p := model.WireProtocol(strings.ToUpper(name)); p {
	case model.ProtocolHeader, model.ProtocolMeter, model.ProtocolBACnet:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported protocol: %q", name)
	}
}

func newFramer(p model.WireProtocol, opts Options) (frame.Framer, error) {
	switch p {
	case model.ProtocolHeader:
		// a header frame has to fit the ring to ever be decoded
		return frame.NewHeaderFramer(opts.ByteOrder, opts.HeaderVersion, opts.Transport.RingCapacity), nil
	case model.ProtocolMeter:
		return frame.NewMeterFramer(), nil
	case model.ProtocolBACnet:
		return bacnet.NewFramer(), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %q", p)
	}
}
