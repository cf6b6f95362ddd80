package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"rtu-gateway/internal/rtuerr"
)

func respond(t *testing.T, write func(c *gin.Context)) (int, APIResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("request_id", "req-1")
	write(c)

	var resp APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, resp
}

func TestErrorResponseClassifiesDeviceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		code   string
		kind   string
		check  func(*DeviceError) bool
	}{
		{
			name:   "protocol",
			status: http.StatusBadGateway,
			err:    fmt.Errorf("read property: %w", &rtuerr.ProtocolError{Class: 2, Code: 31}),
			code:   "DEVICE_ERROR",
			kind:   "protocol error",
			check:  func(d *DeviceError) bool { return d != nil && *d.Class == 2 && *d.Code == 31 },
		},
		{
			name:   "abort",
			status: http.StatusBadGateway,
			err:    &rtuerr.AbortError{Reason: 4, Server: true},
			code:   "DEVICE_ERROR",
			kind:   "aborted",
			check:  func(d *DeviceError) bool { return d != nil && *d.Reason == 4 && d.Server },
		},
		{
			name:   "timeout",
			status: http.StatusGatewayTimeout,
			err:    fmt.Errorf("invoke 3: %w", rtuerr.ErrTimeout),
			code:   "DEVICE_TIMEOUT",
			kind:   "timeout",
			check:  func(d *DeviceError) bool { return d == nil },
		},
		{
			name:   "plain",
			status: http.StatusInternalServerError,
			err:    errors.New("boom"),
			code:   "INTERNAL_SERVER_ERROR",
			check:  func(d *DeviceError) bool { return d == nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := respond(t, func(c *gin.Context) { ErrorResponse(c, tt.status, "failed", tt.err) })
			if status != tt.status || resp.Success || resp.RequestID != "req-1" {
				t.Fatalf("envelope: %d %+v", status, resp)
			}
			if resp.Error == nil || resp.Error.Code != tt.code || resp.Error.Kind != tt.kind {
				t.Fatalf("error = %+v", resp.Error)
			}
			if resp.Error.Details != tt.err.Error() {
				t.Errorf("details = %q", resp.Error.Details)
			}
			if !tt.check(resp.Error.Device) {
				t.Errorf("device = %+v", resp.Error.Device)
			}
		})
	}
}

func TestValidationErrorResponseListsFields(t *testing.T) {
	status, resp := respond(t, func(c *gin.Context) {
		ValidationErrorResponse(c, map[string]string{"address": "bad"})
	})
	if status != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("got %d %+v", status, resp)
	}
	if resp.Error.Fields["address"] != "bad" {
		t.Errorf("fields = %v", resp.Error.Fields)
	}
}
