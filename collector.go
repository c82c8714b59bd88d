package btthermo

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Collector runs continuous telemetry collection from a small fleet of
// sensors: one discovery pass, then one connection supervisor per discovered
// device until stopped via context cancellation
type Collector struct {
	cfg     Config
	central Central

	stateChangeHandler func(update StatusUpdate)
	stateChangeChan    chan StatusUpdate

	logger Logger
}

// New instantiates a new Collector, executing functional options, if any
func New(cfg Config, options ...func(*Collector)) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize a new instance of a Collector
	c := &Collector{
		cfg:    cfg,
		logger: &NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(c)
	}

	// Initialize a new GATT-backed central (if not provided as option)
	if c.central == nil {
		central, err := NewGATTCentral(cfg.WantDevices, c.logger)
		if err != nil {
			return nil, err
		}
		c.central = central
	}

	return c, nil
}

// SetStateChangeHandler defines a handler function that is called upon state
// change of any supervised device (must be set before Run; the handler is
// invoked from every supervisor goroutine and must be safe for concurrent use)
func (c *Collector) SetStateChangeHandler(fn func(update StatusUpdate)) {
	c.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel device state changes are put on
// (must be set before Run; sends are non-blocking, a lagging consumer loses
// updates)
func (c *Collector) SetStateChangeChannel(ch chan StatusUpdate) {
	c.stateChangeChan = ch
}

// Run performs collection until ctx is cancelled: it ensures the log
// directory exists, discovers the configured devices and supervises one
// connection per device, returning only once every supervisor has stopped.
// It returns immediately with an error if the log directory cannot be
// created or the scan cannot be performed; an empty discovery result is a
// valid outcome, reported and answered with a nil return
func (c *Collector) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory `%s`: %w", c.cfg.LogDir, err)
	}

	devices, err := NewDiscoverer(c.central, c.cfg, c.logger).Discover(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		c.logger.Infof("no target device found (move closer to the sensors, press a sensor button, close other BLE clients and retry)")
		return nil
	}

	var wg sync.WaitGroup
	for _, device := range devices {
		sup := NewSupervisor(device, c.central, NewCSVLog(c.cfg.LogDir, device), c.cfg, c.logger)
		c.plumbStatus(sup)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Run(ctx)
		}()
	}
	c.logger.Infof("collector started (%d device(s), logs in `%s`)", len(devices), c.cfg.LogDir)

	wg.Wait()
	return nil
}

// plumbStatus forwards a supervisor's state changes to the fleet-level
// handler / channel, tagged with the device identity
func (c *Collector) plumbStatus(sup *Supervisor) {
	if c.stateChangeHandler == nil && c.stateChangeChan == nil {
		return
	}

	device := sup.Device()
	sup.SetStateChangeHandler(func(status ConnectionStatus) {
		update := StatusUpdate{
			Device: device,
			Status: status,
		}

		if c.stateChangeHandler != nil {
			c.stateChangeHandler(update)
		}
		if c.stateChangeChan != nil {
			select {
			case c.stateChangeChan <- update:
			default:
			}
		}
	})
}
