//go:generate stringer -type=State -trimprefix=State
package btthermo

import (
	"fmt"
	"strings"
	"time"
)

// State denotes the connection state of a single sensor
type State int

const (

	// StateConnecting is active while establishing the link-level session
	StateConnecting State = iota

	// StateVerifying is active while checking the peripheral for the expected
	// notification characteristic
	StateVerifying

	// StateSubscribing is active while registering for notifications
	StateSubscribing

	// StateListening is active while waiting for / processing notifications
	StateListening

	// StateBackoff is active while waiting to retry after a failure
	StateBackoff

	// StateStopped is active after an external stop request (terminal)
	StateStopped
)

// ConnectionStatus denotes the current status of the link to a sensor
type ConnectionStatus struct {
	Error error
	State
}

// DeviceIdentity denotes an individual sensor found during discovery. It is
// immutable once discovered
type DeviceIdentity struct {
	Addr        string // normalized hardware address
	Name        string // advertised name (may be empty)
	DisplayName string // resolved name used for logging / log file naming
}

// StatusUpdate pairs a device with a change of its connection status
type StatusUpdate struct {
	Device DeviceIdentity
	Status ConnectionStatus
}

// Reading denotes a single decoded sensor measurement at a certain point in time
type Reading struct {
	TimeStamp   time.Time
	Temperature float64 // °C
	Humidity    int     // %
	Voltage     int     // mV
	Battery     int     // %, derived from voltage
}

// String fulfils the Stringer interface
func (r *Reading) String() string {
	return fmt.Sprintf("T: %.2f°C, RH: %d%%, V: %.3fV (~%d%%)",
		r.Temperature, r.Humidity, float64(r.Voltage)/1000., r.Battery)
}

// NormalizeAddr returns the canonical form of a hardware address (uppercase,
// colon-separated octets), so that equality checks are insensitive to the
// textual form an advertisement or a configuration file used
func NormalizeAddr(addr string) string {
	return strings.ToUpper(strings.ReplaceAll(addr, "-", ":"))
}
