// internal/frame/meter_data.go
package frame

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"rtu-gateway/internal/rtuerr"
)

// dataOffset is added to every data byte on the wire and removed on receipt.
const dataOffset byte = 0x33

// ScrambleData applies the +0x33 wire offset to a copy of data.
func ScrambleData(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b + dataOffset
	}
	return out
}

// UnscrambleData removes the +0x33 wire offset from a copy of data.
func UnscrambleData(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b - dataOffset
	}
	return out
}

// DataID is a four byte data identifier, DI3 first as written in tables
// (e.g. 0x00010000 for forward active energy).
type DataID uint32

// EncodeDataID returns the identifier in wire order (DI0 first) with the
// offset applied.
func EncodeDataID(id DataID) []byte {
	raw := []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}
	return ScrambleData(raw)
}

// DecodeDataID reads an identifier from the first four wire bytes.
func DecodeDataID(wire []byte) (DataID, error) {
	if len(wire) < 4 {
		return 0, fmt.Errorf("data identifier needs 4 bytes, have %d", len(wire))
	}
	raw := UnscrambleData(wire[:4])
	return DataID(raw[0]) | DataID(raw[1])<<8 | DataID(raw[2])<<16 | DataID(raw[3])<<24, nil
}

func (id DataID) String() string {
	return fmt.Sprintf("%08X", uint32(id))
}

// EncodeValue packs a non-negative reading into size BCD bytes, least
// significant byte first, with scale implied decimal places, and applies the
// wire offset. 12345.67 with scale 2 and size 4 becomes 67 45 23 01 (+0x33).
func EncodeValue(v decimal.Decimal, size int, scale int32) ([]byte, error) {
	if size < 1 || size > MaxMeterData {
		return nil, fmt.Errorf("value size %d outside 1..%d: %w", size, MaxMeterData, rtuerr.ErrInvalidLength)
	}
	if v.IsNegative() {
		return nil, fmt.Errorf("negative reading %s", v)
	}

	digits := v.Shift(scale).Truncate(0).String()
	if len(digits) > size*2 {
		return nil, fmt.Errorf("reading %s does not fit in %d BCD bytes", v, size)
	}
	digits = strings.Repeat("0", size*2-len(digits)) + digits

	raw := make([]byte, size)
	for i := 0; i < size; i++ {
		hi := digits[len(digits)-2*i-2] - '0'
		lo := digits[len(digits)-2*i-1] - '0'
		raw[i] = hi<<4 | lo
	}
	return ScrambleData(raw), nil
}

// DecodeValue reverses EncodeValue.
func DecodeValue(wire []byte, scale int32) (decimal.Decimal, error) {
	raw := UnscrambleData(wire)

	var sb strings.Builder
	for i := len(raw) - 1; i >= 0; i-- {
		hi, lo := raw[i]>>4, raw[i]&0x0F
		if hi > 9 || lo > 9 {
			return decimal.Zero, fmt.Errorf("byte %#02x at %d is not BCD", raw[i], i)
		}
		sb.WriteByte('0' + hi)
		sb.WriteByte('0' + lo)
	}
	if sb.Len() == 0 {
		return decimal.Zero, nil
	}

	v, err := decimal.NewFromString(sb.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse BCD digits: %w", err)
	}
	return v.Shift(-scale), nil
}
