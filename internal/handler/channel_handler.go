// internal/handler/channel_handler.go
package handler

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rtu-gateway/internal/bacnet"
	"rtu-gateway/internal/channel"
	"rtu-gateway/internal/frame"
	"rtu-gateway/internal/rtuerr"
	"rtu-gateway/internal/stream"
	"rtu-gateway/internal/utils"
)

// ChannelHandler handles channel management and frame I/O requests
type ChannelHandler struct {
	registry *channel.Registry
	logger   *utils.ServiceLogger
}

// NewChannelHandler creates a new channel handler
func NewChannelHandler(registry *channel.Registry, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{
		registry: registry,
		logger:   utils.NewServiceLogger(logger, "channel-handler"),
	}
}

// OpenChannelRequest describes a channel to open
type OpenChannelRequest struct {
	ID       string        `json:"id"`
	Protocol string        `json:"protocol" binding:"required"`
	Stream   stream.Config `json:"stream"`
}

// SendFrameRequest carries an already encoded frame
type SendFrameRequest struct {
	Data string `json:"data" binding:"required"`
}

// MeterFrameRequest builds a checksummed meter frame. Data is raw wire bytes;
// when DataID is set the identifier and an optional BCD value are appended
// after it with the wire offset applied.
type MeterFrameRequest struct {
	Address    string `json:"address" binding:"required"`
	Control    uint8  `json:"control"`
	Preamble   int    `json:"preamble"`
	Data       string `json:"data"`
	DataID     string `json:"data_id"`
	Value      string `json:"value"`
	ValueSize  int    `json:"value_size"`
	ValueScale int32  `json:"value_scale"`
}

// HeaderFrameRequest builds a fixed-header frame
type HeaderFrameRequest struct {
	Version    uint16 `json:"version"`
	CommandID  uint16 `json:"command_id"`
	SequenceID uint16 `json:"sequence_id"`
	Payload    string `json:"payload"`
}

// ConfirmedRequest is a BACnet confirmed service request
type ConfirmedRequest struct {
	Service   uint8  `json:"service"`
	Payload   string `json:"payload"`
	MaxAPDU   uint8  `json:"max_apdu"`
	TimeoutMS int    `json:"timeout_ms"`
}

// FrameResponse reports the bytes that went on the wire
type FrameResponse struct {
	ChannelID string `json:"channel_id"`
	Frame     string `json:"frame"`
	Length    int    `json:"length"`
}

// ConfirmedResponse carries the reply of a confirmed request
type ConfirmedResponse struct {
	ChannelID  string `json:"channel_id"`
	Service    uint8  `json:"service"`
	Payload    string `json:"payload"`
	DurationMS int64  `json:"duration_ms"`
}

// ListChannels returns every registered channel
func (h *ChannelHandler) ListChannels(c *gin.Context) {
	channels := h.registry.List()
	utils.SuccessResponse(c, http.StatusOK, "Channels retrieved successfully", gin.H{
		"channels": channels,
		"total":    len(channels),
	})
}

// OpenChannel opens a new channel
func (h *ChannelHandler) OpenChannel(c *gin.Context) {
	var req OpenChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	protocol, err := channel.ParseProtocol(req.Protocol)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid protocol", err)
		return
	}
	req.Stream.ApplyDefaults()
	if err := req.Stream.Validate(); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid stream configuration", err)
		return
	}

	ch, err := h.registry.Open(c.Request.Context(), channel.Spec{ID: req.ID, Protocol: protocol, Stream: req.Stream})
	if err != nil {
		if errors.Is(err, channel.ErrChannelExists) {
			utils.ErrorResponse(c, http.StatusConflict, "Channel already exists", err)
			return
		}
		utils.LogError(h.logger.Logger, "Failed to open channel", err, zap.String("channel_id", req.ID))
		utils.ErrorResponse(c, http.StatusBadGateway, "Failed to open channel", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Channel opened successfully", ch.Info())
}

// GetChannel returns one channel
func (h *ChannelHandler) GetChannel(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Channel retrieved successfully", ch.Info())
}

// CloseChannel closes and removes a channel
func (h *ChannelHandler) CloseChannel(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.CloseChannel(id); err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			utils.ErrorResponse(c, http.StatusNotFound, "Channel not found", err)
			return
		}
		// the channel is removed even when closing its stream failed
		h.logger.Warn("Channel closed with error", zap.String("channel_id", id), zap.Error(err))
	}
	utils.SuccessResponse(c, http.StatusOK, "Channel closed successfully", gin.H{"channel_id": id})
}

// SendFrame writes a hex encoded frame as is
func (h *ChannelHandler) SendFrame(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}
	var req SendFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	data, err := decodeHex(req.Data)
	if err != nil || len(data) == 0 {
		utils.ValidationErrorResponse(c, map[string]string{"data": "must be non-empty hex"})
		return
	}

	if err := ch.Send(c.Request.Context(), data); err != nil {
		h.respondError(c, "Failed to send frame", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Frame sent", FrameResponse{ChannelID: ch.ID(), Frame: hex.EncodeToString(data), Length: len(data)})
}

// SendMeterFrame builds and sends a meter frame
func (h *ChannelHandler) SendMeterFrame(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}
	var req MeterFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	f, invalid := buildMeterFrame(req)
	if len(invalid) > 0 {
		utils.ValidationErrorResponse(c, invalid)
		return
	}

	wire, err := ch.SendMeter(c.Request.Context(), f)
	if err != nil {
		h.respondError(c, "Failed to send meter frame", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Meter frame sent", FrameResponse{ChannelID: ch.ID(), Frame: hex.EncodeToString(wire), Length: len(wire)})
}

// SendHeaderFrame builds and sends a fixed-header frame
func (h *ChannelHandler) SendHeaderFrame(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}
	var req HeaderFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	payload, err := decodeHex(req.Payload)
	if err != nil {
		utils.ValidationErrorResponse(c, map[string]string{"payload": "must be hex"})
		return
	}

	wire, err := ch.SendHeader(c.Request.Context(), frame.HeaderFrame{
		Version:    req.Version,
		CommandID:  req.CommandID,
		SequenceID: req.SequenceID,
		Payload:    payload,
	})
	if err != nil {
		h.respondError(c, "Failed to send header frame", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Header frame sent", FrameResponse{ChannelID: ch.ID(), Frame: hex.EncodeToString(wire), Length: len(wire)})
}

// SendConfirmedRequest sends a BACnet confirmed request and waits for the
// reply
func (h *ChannelHandler) SendConfirmedRequest(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}
	var req ConfirmedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	payload, err := decodeHex(req.Payload)
	if err != nil {
		utils.ValidationErrorResponse(c, map[string]string{"payload": "must be hex"})
		return
	}
	if req.TimeoutMS < 0 {
		utils.ValidationErrorResponse(c, map[string]string{"timeout_ms": "must not be negative"})
		return
	}

	maxAPDU := req.MaxAPDU
	if maxAPDU == 0 {
		// 1476 octets, the B/IP maximum
		maxAPDU = 5
	}

	start := time.Now()
	reply, err := ch.Request(c.Request.Context(), bacnet.APDU{
		MaxAPDU: maxAPDU,
		Service: req.Service,
		Payload: payload,
	}, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		h.respondError(c, "Confirmed request failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Confirmed request acknowledged", ConfirmedResponse{
		ChannelID:  ch.ID(),
		Service:    req.Service,
		Payload:    hex.EncodeToString(reply),
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// ListSerialPorts enumerates serial ports on the host
func (h *ChannelHandler) ListSerialPorts(c *gin.Context) {
	ports, err := stream.ListSerialPorts()
	if err != nil {
		utils.LogError(h.logger.Logger, "Failed to list serial ports", err)
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Serial ports retrieved successfully", gin.H{
		"ports": ports,
		"total": len(ports),
	})
}

// ListUSBDevices enumerates attached USB devices
func (h *ChannelHandler) ListUSBDevices(c *gin.Context) {
	devices, err := stream.ListUSBDevices()
	if err != nil {
		utils.LogError(h.logger.Logger, "Failed to list USB devices", err)
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "USB subsystem not accessible", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "USB devices retrieved successfully", gin.H{
		"devices": devices,
		"total":   len(devices),
	})
}

func (h *ChannelHandler) channel(c *gin.Context) (*channel.Channel, bool) {
	id := c.Param("id")
	ch, ok := h.registry.Get(id)
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Channel not found", channel.ErrChannelNotFound)
	}
	return ch, ok
}

func (h *ChannelHandler) respondError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn(message,
			zap.String("channel_id", c.Param("id")),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
	}
	utils.ErrorResponse(c, status, message, err)
}

// statusFor maps gateway errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, channel.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, channel.ErrWrongProtocol), errors.Is(err, rtuerr.ErrInvalidLength):
		return http.StatusBadRequest
	case errors.Is(err, rtuerr.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rtuerr.ErrProtocol), errors.Is(err, rtuerr.ErrAborted), errors.Is(err, rtuerr.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, rtuerr.ErrClosed), errors.Is(err, rtuerr.ErrStream), errors.Is(err, rtuerr.ErrInvokeIDExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func buildMeterFrame(req MeterFrameRequest) (frame.MeterFrame, map[string]string) {
	invalid := make(map[string]string)
	f := frame.MeterFrame{Preamble: req.Preamble, Control: req.Control}

	addr, err := frame.ParseAddress(req.Address)
	if err != nil {
		invalid["address"] = err.Error()
	}
	f.Address = addr

	data, err := decodeHex(req.Data)
	if err != nil {
		invalid["data"] = "must be hex"
	}
	f.Data = data

	if req.DataID != "" {
		id, err := strconv.ParseUint(req.DataID, 16, 32)
		if err != nil {
			invalid["data_id"] = "must be 8 hex digits"
		} else {
			f.Data = append(f.Data, frame.EncodeDataID(frame.DataID(id))...)
		}
	}
	if req.Value != "" {
		if req.DataID == "" {
			invalid["value"] = "requires data_id"
		}
		size := req.ValueSize
		if size == 0 {
			size = 4
		}
		v, err := decimal.NewFromString(req.Value)
		if size < 1 || size > frame.MaxMeterData {
			invalid["value_size"] = fmt.Sprintf("must be between 1 and %d", frame.MaxMeterData)
		} else if err != nil {
			invalid["value"] = err.Error()
		} else if wire, err := frame.EncodeValue(v, size, req.ValueScale); err != nil {
			invalid["value"] = err.Error()
		} else {
			f.Data = append(f.Data, wire...)
		}
	}
	return f, invalid
}

func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	return hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
}
