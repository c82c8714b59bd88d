package btthermo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	payloadMinLen = 5

	batteryEmptyVolts = 2.1
	batteryFullVolts  = 3.1
)

// ErrPayloadTooShort is returned by DecodePayload for payloads shorter than
// the fixed frame layout requires
var ErrPayloadTooShort = errors.New("payload too short")

// DecodePayload decodes a raw notification frame into a Reading, stamping it
// with the current local time. Frame layout (little-endian): bytes 0-1
// temperature in centi-°C, byte 2 relative humidity in %, bytes 3-4 supply
// voltage in mV. Values are passed through without plausibility checks
func DecodePayload(data []byte) (*Reading, error) {
	if len(data) < payloadMinLen {
		return nil, fmt.Errorf("%w (want %d bytes, have %d)", ErrPayloadTooShort, payloadMinLen, len(data))
	}

	voltage := int(binary.LittleEndian.Uint16(data[3:5]))

	return &Reading{
		TimeStamp:   time.Now(),
		Temperature: float64(binary.LittleEndian.Uint16(data[0:2])) / 100.,
		Humidity:    int(data[2]),
		Voltage:     voltage,
		Battery:     batteryPercent(voltage),
	}, nil
}

// batteryPercent interpolates the cell charge linearly between the empty and
// full cell reference voltages, rounding half to even and clamping to [0, 100]
func batteryPercent(voltageMV int) int {
	pct := int(math.RoundToEven((float64(voltageMV)/1000. - batteryEmptyVolts) / (batteryFullVolts - batteryEmptyVolts) * 100.))

	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}

	return pct
}
