package btthermo

import (
	"context"
	"strings"
)

// Advertisement denotes a single sighting of an advertising peripheral
// during a scan
type Advertisement struct {
	Addr string // hardware address as reported by the radio
	Name string // advertised local name (may be empty)
	RSSI int    // signal strength in dBm
}

// Characteristic denotes a data channel exposed by a connected peripheral
type Characteristic struct {
	UUID     string // normalized UUID (lowercase, no dashes)
	Notify   bool   // peripheral can push values via notification
	Indicate bool   // peripheral can push values via indication
}

// Central denotes the local radio in its central role. Implementations must
// be safe for concurrent use by the discoverer and multiple supervisors
type Central interface {

	// Scan reports every advertisement sighted to the given callback until
	// ctx is cancelled or its deadline expires (both end the scan cleanly
	// with a nil return). Only one scan may be active at a time
	Scan(ctx context.Context, sighted func(Advertisement)) error

	// Dial establishes a session with the peripheral at the given normalized
	// hardware address, honoring cancellation / deadline on ctx
	Dial(ctx context.Context, addr string) (Session, error)
}

// Session denotes an established link to a single peripheral
type Session interface {

	// Characteristics enumerates all characteristics exposed by the peripheral
	Characteristics() ([]Characteristic, error)

	// Subscribe starts notify (or indicate) delivery for the characteristic
	// with the given normalized UUID. Payloads arrive on the returned channel
	// until the link drops; the channel is never closed, so consumers must
	// watch Done() to observe a drop
	Subscribe(uuid string) (<-chan []byte, error)

	// Unsubscribe stops notification delivery for the given characteristic
	Unsubscribe(uuid string) error

	// Done is closed as soon as the link has dropped, whatever the cause
	Done() <-chan struct{}

	// Close tears down the link
	Close() error
}

// NormalizeUUID returns the canonical form of a service / characteristic UUID
// (lowercase, no dashes), the form in which the GATT stack reports UUIDs
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
