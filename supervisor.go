package btthermo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

var (

	// ErrCharacteristicNotFound is reported when a connected peripheral does
	// not expose the expected notification characteristic
	ErrCharacteristicNotFound = errors.New("notification characteristic not found")

	// ErrLinkDropped is reported when an established link goes down
	ErrLinkDropped = errors.New("link to peripheral dropped")
)

// Supervisor maintains the connection to a single sensor: it owns the
// connect / verify / subscribe / listen cycle, appends every decoded reading
// to the device log file and retries indefinitely after any failure until
// stopped via context cancellation
type Supervisor struct {
	device  DeviceIdentity
	central Central
	csv     *CSVLog
	cfg     Config

	state   *atomic.Int32
	lastErr *atomic.Error

	stateChangeHandler func(status ConnectionStatus)
	stateChangeChan    chan ConnectionStatus

	logger Logger
}

// NewSupervisor instantiates a supervisor for one discovered device. A nil
// logger disables logging
func NewSupervisor(device DeviceIdentity, central Central, csv *CSVLog, cfg Config, logger Logger) *Supervisor {
	if logger == nil {
		logger = &NullLogger{}
	}
	return &Supervisor{
		device:  device,
		central: central,
		csv:     csv,
		cfg:     cfg,
		state:   atomic.NewInt32(int32(StateConnecting)),
		lastErr: atomic.NewError(nil),
		logger:  logger,
	}
}

// Device returns the identity of the supervised sensor
func (s *Supervisor) Device() DeviceIdentity {
	return s.device
}

// Status returns the current connection status (safe from any goroutine)
func (s *Supervisor) Status() ConnectionStatus {
	return ConnectionStatus{
		Error: s.lastErr.Load(),
		State: State(s.state.Load()),
	}
}

// SetStateChangeHandler defines a handler function that is called upon state
// change (must be set before Run)
func (s *Supervisor) SetStateChangeHandler(fn func(status ConnectionStatus)) {
	s.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel state changes are put on (must be
// set before Run; sends are non-blocking, a lagging consumer loses updates)
func (s *Supervisor) SetStateChangeChannel(ch chan ConnectionStatus) {
	s.stateChangeChan = ch
}

// Run drives the state machine until ctx is cancelled, then performs a
// best-effort teardown and returns. It never returns beforehand: every
// failure leads back to a fresh connect attempt after the configured backoff
func (s *Supervisor) Run(ctx context.Context) {
	defer s.setStatus(StateStopped, nil)

	if err := s.csv.EnsureHeader(); err != nil {
		// Not fatal: the supervisor keeps running, appends report the failure
		s.logger.Errorf("failed to initialize log file for device `%s/%s`: %s",
			s.device.DisplayName, s.device.Addr, err)
	}

	retry := &backoff.Backoff{Min: s.cfg.BackoffDelay, Max: s.cfg.BackoffDelay}
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Errorf("%s", err)
		s.setStatus(StateBackoff, err)
		select {
		case <-time.After(retry.Duration()):
		case <-ctx.Done():
			return
		}
	}
}

// session performs one full connect / verify / subscribe / listen cycle and
// returns the failure that terminated it (ctx.Err() after a stop request)
func (s *Supervisor) session(ctx context.Context) error {
	name, addr := s.device.DisplayName, s.device.Addr

	s.setStatus(StateConnecting, nil)
	s.logger.Debugf("connecting device `%s/%s`", name, addr)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	sess, err := s.central.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect device `%s/%s`: %w", name, addr, err)
	}
	s.logger.Debugf("connected device `%s/%s`", name, addr)

	s.setStatus(StateVerifying, nil)

	// Give the peripheral a moment to expose its services
	if err := sleepCtx(ctx, s.cfg.SettleDelay); err != nil {
		s.teardown(sess, false)
		return err
	}

	ok, err := s.hasNotifyCharacteristic(sess)
	if err != nil {
		s.teardown(sess, false)
		return fmt.Errorf("failed to enumerate characteristics of device `%s/%s`: %w", name, addr, err)
	}
	if !ok {
		s.teardown(sess, false)
		return fmt.Errorf("device `%s/%s`: %w: %s", name, addr, ErrCharacteristicNotFound, s.cfg.CharacteristicUUID)
	}

	s.setStatus(StateSubscribing, nil)
	notifications, err := sess.Subscribe(s.cfg.CharacteristicUUID)
	if err != nil {
		s.teardown(sess, false)
		return fmt.Errorf("failed to subscribe to device `%s/%s`: %w", name, addr, err)
	}

	s.setStatus(StateListening, nil)
	s.logger.Infof("listening to device `%s/%s`", name, addr)
	for {
		select {
		case data := <-notifications:
			s.handleNotification(data)
		case <-sess.Done():
			s.teardown(sess, false)
			return fmt.Errorf("device `%s/%s`: %w", name, addr, ErrLinkDropped)
		case <-ctx.Done():
			s.teardown(sess, true)
			s.logger.Infof("stopped listening to device `%s/%s` on request", name, addr)
			return ctx.Err()
		}
	}
}

// handleNotification decodes and persists a single payload. Neither a decode
// nor a write failure terminates the session: the reading is skipped /
// dropped and listening continues
func (s *Supervisor) handleNotification(data []byte) {
	name, addr := s.device.DisplayName, s.device.Addr

	reading, err := DecodePayload(data)
	if err != nil {
		s.logger.Warnf("failed to decode payload from device `%s/%s`: %s (raw: %x)", name, addr, err, data)
		return
	}

	if err := s.csv.Append(reading); err != nil {
		s.logger.Errorf("failed to persist reading from device `%s/%s`: %s", name, addr, err)
	}

	s.logger.Infof("got data from device `%s/%s`: %s", name, addr, reading)
}

// hasNotifyCharacteristic checks the peripheral for the expected
// characteristic with notify or indicate capability. This check is mandatory
// before subscribing: a wrong or absent channel must never be subscribed to
func (s *Supervisor) hasNotifyCharacteristic(sess Session) (bool, error) {
	chars, err := sess.Characteristics()
	if err != nil {
		return false, err
	}

	for _, c := range chars {
		if c.UUID == s.cfg.CharacteristicUUID && (c.Notify || c.Indicate) {
			return true, nil
		}
	}

	return false, nil
}

// teardown releases the session, unsubscribing first if a subscription was
// established. Failures are logged and swallowed so they can never block a
// shutdown or retry
func (s *Supervisor) teardown(sess Session, subscribed bool) {
	var err error
	if subscribed {
		err = sess.Unsubscribe(s.cfg.CharacteristicUUID)
	}
	if err = multierr.Append(err, sess.Close()); err != nil {
		s.logger.Warnf("failed to release device `%s/%s`: %s", s.device.DisplayName, s.device.Addr, err)
	}
}

func (s *Supervisor) setStatus(state State, err error) {
	s.state.Store(int32(state))
	s.lastErr.Store(err)

	status := ConnectionStatus{
		State: state,
		Error: err,
	}

	// Call handler function, if any
	if s.stateChangeHandler != nil {
		s.stateChangeHandler(status)
	}

	// Put state change on channel, if any
	if s.stateChangeChan != nil {
		select {
		case s.stateChangeChan <- status:
		default:
		}
	}
}

// sleepCtx sleeps for the given duration unless ctx ends first, in which
// case the context error is returned
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
