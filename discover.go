package btthermo

import (
	"context"
	"fmt"
)

const discoveryQueueLen = 32

// Discoverer performs the one-time scan locating the configured sensors
// among all nearby advertising radios
type Discoverer struct {
	central Central
	cfg     Config

	logger Logger
}

// NewDiscoverer instantiates a Discoverer. A nil logger disables logging
func NewDiscoverer(central Central, cfg Config, logger Logger) *Discoverer {
	if logger == nil {
		logger = &NullLogger{}
	}
	return &Discoverer{
		central: central,
		cfg:     cfg,
		logger:  logger,
	}
}

// Discover listens to advertisements for up to the configured discovery
// timeout and returns the matching devices, deduplicated by normalized
// address, in first-seen order, capped at the configured device count (and
// returning early once that many are found). An empty result is a valid
// outcome; a non-nil error means the scan itself could not be performed
func (d *Discoverer) Discover(ctx context.Context) ([]DeviceIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DiscoveryTimeout)
	defer cancel()

	// Funnel the asynchronous scan callbacks into the collector loop below
	sightings := make(chan Advertisement, discoveryQueueLen)
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- d.central.Scan(ctx, func(adv Advertisement) {
			select {
			case sightings <- adv:
			default: // never block the radio callback
			}
		})
	}()

	found := make(map[string]struct{}, d.cfg.WantDevices)
	devices := make([]DeviceIdentity, 0, d.cfg.WantDevices)

	// consider tracks a single sighting, reporting whether the configured
	// device count has been reached
	consider := func(adv Advertisement) bool {
		addr := NormalizeAddr(adv.Addr)
		d.logger.Debugf("sighted device `%s/%s` (RSSI %d)", adv.Name, addr, adv.RSSI)

		if !d.cfg.MatchTarget(adv.Name, addr) {
			return false
		}
		if _, exists := found[addr]; exists {
			return false
		}

		found[addr] = struct{}{}
		devices = append(devices, DeviceIdentity{
			Addr:        addr,
			Name:        adv.Name,
			DisplayName: d.cfg.DisplayName(addr),
		})
		d.logger.Debugf("matched target device `%s/%s`", adv.Name, addr)

		return len(devices) >= d.cfg.WantDevices
	}

	for {
		select {
		case adv := <-sightings:
			if consider(adv) {

				// Stop scanning once we've got all the peripherals we're
				// looking for, and wait for the radio to go quiet before
				// anyone attempts to connect
				cancel()
				<-scanDone

				d.report(devices)
				return devices, nil
			}
		case err := <-scanDone:
			if err != nil {
				return nil, fmt.Errorf("failed to scan for devices: %w", err)
			}

			// Take along sightings that arrived just before the scan wound down
			for {
				select {
				case adv := <-sightings:
					if consider(adv) {
						d.report(devices)
						return devices, nil
					}
				default:
					d.report(devices)
					return devices, nil
				}
			}
		}
	}
}

func (d *Discoverer) report(devices []DeviceIdentity) {
	d.logger.Infof("discovered %d target device(s)", len(devices))
	for _, dev := range devices {
		d.logger.Infof("  - %s  %s", dev.Addr, dev.Name)
	}
}
