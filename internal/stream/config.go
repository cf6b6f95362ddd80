// internal/stream/config.go
package stream

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"rtu-gateway/internal/model"
)

// Default per-read timeout. Short so the transport pump notices shutdown.
const DefaultReadTimeout = 100 * time.Millisecond

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port        string        `json:"port" mapstructure:"port"`
	BaudRate    int           `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits    int           `json:"data_bits" mapstructure:"data_bits"`
	StopBits    int           `json:"stop_bits" mapstructure:"stop_bits"`
	Parity      string        `json:"parity" mapstructure:"parity"`
	ReadTimeout time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
}

// USBConfig represents USB connection configuration
type USBConfig struct {
	VendorID    string        `json:"vendor_id" mapstructure:"vendor_id"`
	ProductID   string        `json:"product_id" mapstructure:"product_id"`
	InEndpoint  int           `json:"in_endpoint" mapstructure:"in_endpoint"`
	OutEndpoint int           `json:"out_endpoint" mapstructure:"out_endpoint"`
	ReadTimeout time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
}

// TCPConfig represents TCP connection configuration
type TCPConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	SSL          bool          `json:"ssl" mapstructure:"ssl"`
	KeepAlive    bool          `json:"keep_alive" mapstructure:"keep_alive"`
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// Address returns host:port.
func (c *TCPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config selects and configures one stream adapter
type Config struct {
	Kind   model.ConnectionType `json:"kind" mapstructure:"kind"`
	TCP    *TCPConfig           `json:"tcp,omitempty" mapstructure:"tcp"`
	Serial *SerialConfig        `json:"serial,omitempty" mapstructure:"serial"`
	USB    *USBConfig           `json:"usb,omitempty" mapstructure:"usb"`
}

var validBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// ApplyDefaults fills unset fields of the selected adapter config.
func (c *Config) ApplyDefaults() {
	c.Kind = model.ConnectionType(strings.ToUpper(string(c.Kind)))
	switch c.Kind {
	case model.ConnectionTypeTCP:
		if c.TCP == nil {
			c.TCP = &TCPConfig{}
		}
		if c.TCP.DialTimeout == 0 {
			c.TCP.DialTimeout = 10 * time.Second
		}
		if c.TCP.ReadTimeout == 0 {
			c.TCP.ReadTimeout = DefaultReadTimeout
		}
		if c.TCP.WriteTimeout == 0 {
			c.TCP.WriteTimeout = 5 * time.Second
		}
	case model.ConnectionTypeSerial:
		if c.Serial == nil {
			c.Serial = &SerialConfig{}
		}
		if c.Serial.BaudRate == 0 {
			// DL/T 645 meters default to 2400 8E1
			c.Serial.BaudRate = 2400
		}
		if c.Serial.DataBits == 0 {
			c.Serial.DataBits = 8
		}
		if c.Serial.StopBits == 0 {
			c.Serial.StopBits = 1
		}
		if c.Serial.Parity == "" {
			c.Serial.Parity = "even"
		}
		if c.Serial.ReadTimeout == 0 {
			c.Serial.ReadTimeout = DefaultReadTimeout
		}
	case model.ConnectionTypeUSB:
		if c.USB == nil {
			c.USB = &USBConfig{}
		}
		if c.USB.InEndpoint == 0 {
			c.USB.InEndpoint = 0x81
		}
		if c.USB.OutEndpoint == 0 {
			c.USB.OutEndpoint = 0x01
		}
		if c.USB.ReadTimeout == 0 {
			c.USB.ReadTimeout = DefaultReadTimeout
		}
	}
}

// Validate checks the adapter config selected by Kind.
func (c *Config) Validate() error {
	switch c.Kind {
	case model.ConnectionTypeTCP:
		if c.TCP == nil || c.TCP.Host == "" {
			return fmt.Errorf("TCP host is required")
		}
		if c.TCP.Port < 1 || c.TCP.Port > 65535 {
			return fmt.Errorf("invalid port number: %d", c.TCP.Port)
		}
	case model.ConnectionTypeSerial:
		if c.Serial == nil || c.Serial.Port == "" {
			return fmt.Errorf("serial port is required")
		}
		if !slices.Contains(validBaudRates, c.Serial.BaudRate) {
			return fmt.Errorf("invalid baud rate: %d", c.Serial.BaudRate)
		}
		if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
			return fmt.Errorf("invalid data bits: %d", c.Serial.DataBits)
		}
		if _, err := stopBits(c.Serial.StopBits); err != nil {
			return err
		}
		if _, err := parity(c.Serial.Parity); err != nil {
			return err
		}
	case model.ConnectionTypeUSB:
		if c.USB == nil {
			return fmt.Errorf("USB vendor_id is required")
		}
		if _, err := parseHexID(c.USB.VendorID); err != nil {
			return fmt.Errorf("invalid USB vendor_id %q: %w", c.USB.VendorID, err)
		}
		if _, err := parseHexID(c.USB.ProductID); err != nil {
			return fmt.Errorf("invalid USB product_id %q: %w", c.USB.ProductID, err)
		}
	default:
		return fmt.Errorf("unsupported connection type: %q", c.Kind)
	}
	return nil
}

// parseHexID parses 0x1234 or 1234
func parseHexID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	id, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}
