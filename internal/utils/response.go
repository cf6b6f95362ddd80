// internal/utils/response.go
package utils

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rtu-gateway/internal/rtuerr"
)

// APIResponse is the envelope of every management API reply
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError describes a failed call. Kind names the gateway error kind when
// one is known; Device carries what the remote device reported.
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Kind    string            `json:"kind,omitempty"`
	Details string            `json:"details,omitempty"`
	Device  *DeviceError      `json:"device,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// DeviceError is an error, reject or abort returned by a device
type DeviceError struct {
	Class  *uint32 `json:"class,omitempty"`
	Code   *uint32 `json:"code,omitempty"`
	Reason *uint8  `json:"reason,omitempty"`
	Server bool    `json:"server,omitempty"`
}

// SuccessResponse writes a successful reply
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

// ErrorResponse writes a failed reply, classifying err
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	apiErr := &APIError{
		Code:    errorCode(statusCode),
		Message: message,
	}
	if err != nil {
		apiErr.Details = err.Error()
		apiErr.Kind = errorKind(err)
		apiErr.Device = deviceError(err)
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiErr,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

// ValidationErrorResponse writes a 400 listing the offending fields
func ValidationErrorResponse(c *gin.Context, fields map[string]string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error: &APIError{
			Code:    "VALIDATION_ERROR",
			Message: "Request validation failed",
			Fields:  fields,
		},
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

func errorCode(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case http.StatusBadGateway:
		return "DEVICE_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEVICE_TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}

var errorKinds = []error{
	rtuerr.ErrTimeout,
	rtuerr.ErrCancelled,
	rtuerr.ErrProtocol,
	rtuerr.ErrRejected,
	rtuerr.ErrAborted,
	rtuerr.ErrStream,
	rtuerr.ErrClosed,
	rtuerr.ErrInvokeIDExhausted,
	rtuerr.ErrDuplicateRequest,
	rtuerr.ErrInvalidLength,
	rtuerr.ErrBufferFull,
}

func errorKind(err error) string {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ""
}

func deviceError(err error) *DeviceError {
	var (
		perr *rtuerr.ProtocolError
		rerr *rtuerr.RejectError
		aerr *rtuerr.AbortError
	)
	switch {
	case errors.As(err, &perr):
		return &DeviceError{Class: &perr.Class, Code: &perr.Code}
	case errors.As(err, &rerr):
		return &DeviceError{Reason: &rerr.Reason}
	case errors.As(err, &aerr):
		return &DeviceError{Reason: &aerr.Reason, Server: aerr.Server}
	default:
		return nil
	}
}
