// internal/stream/usb_enum.go
package stream

import (
	"fmt"

	"github.com/google/gousb"
)

// USBDeviceInfo describes one attached USB device
type USBDeviceInfo struct {
	Bus       int    `json:"bus"`
	Address   int    `json:"address"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Class     string `json:"class"`
	Speed     string `json:"speed"`
}

// ListUSBDevices enumerates attached USB devices without opening them. The
// ids are formatted the way USBConfig expects them.
func ListUSBDevices() ([]USBDeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var devices []USBDeviceInfo
	// the filter only records descriptors; returning false keeps every
	// device closed
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		devices = append(devices, USBDeviceInfo{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  fmt.Sprintf("%04x", uint16(desc.Vendor)),
			ProductID: fmt.Sprintf("%04x", uint16(desc.Product)),
			Class:     desc.Class.String(),
			Speed:     desc.Speed.String(),
		})
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	return devices, nil
}
