package btthermo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fako1024/gatt"
)

const notifyQueueLen = 8

var (
	errScanInProgress = errors.New("scan already in progress")
	errSessionClosed  = errors.New("session closed")
)

type dialResult struct {
	session *gattSession
	err     error
}

// GATTCentral drives a Bluetooth adapter in central role via the GATT stack,
// translating its handler based flow into scans and per-device sessions
type GATTCentral struct {
	dev gatt.Device

	mu          sync.Mutex
	ready       bool
	peripherals map[string]gatt.Peripheral
	scanSink    func(adv Advertisement)
	dials       map[string]chan dialResult
	sessions    map[string]*gattSession

	poweredOn chan struct{}

	logger Logger
}

// NewGATTCentral instantiates a central on the default Bluetooth adapter,
// allowing up to maxConnections concurrent device connections
func NewGATTCentral(maxConnections int, logger Logger) (*GATTCentral, error) {
	if logger == nil {
		logger = &NullLogger{}
	}

	dev, err := gatt.NewDevice(btClientOptions(maxConnections)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open bluetooth device: %w", err)
	}

	c := &GATTCentral{
		dev:         dev,
		peripherals: make(map[string]gatt.Peripheral),
		dials:       make(map[string]chan dialResult),
		sessions:    make(map[string]*gattSession),
		poweredOn:   make(chan struct{}),
		logger:      logger,
	}

	// Register handlers
	dev.Handle(
		gatt.AddPeripheralDiscovered(c.onPeriphDiscovered),
		gatt.AddPeripheralConnected(c.onPeriphConnected),
		gatt.AddPeripheralDisconnected(c.onPeriphDisconnected),
	)

	// Initialize the device
	if err := dev.Init(c.onStateChanged); err != nil {
		return nil, fmt.Errorf("failed to initialize bluetooth device: %w", err)
	}

	return c, nil
}

// Scan runs a passive scan until ctx ends, reporting every advertisement
// sighting to the callback
func (c *GATTCentral) Scan(ctx context.Context, sighted func(adv Advertisement)) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.scanSink != nil {
		c.mu.Unlock()
		return errScanInProgress
	}
	c.scanSink = sighted
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.scanSink = nil
		c.mu.Unlock()
	}()

	if err := c.dev.Scan([]gatt.UUID{}, false); err != nil {
		return fmt.Errorf("failed to enable scanning: %w", err)
	}

	<-ctx.Done()
	if err := c.dev.StopScanning(); err != nil {
		c.logger.Warnf("failed to stop scanning: %s", err)
	}

	return nil
}

// Dial connects to a previously sighted device, returning an open session
// once the link is established
func (c *GATTCentral) Dial(ctx context.Context, addr string) (Session, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	addr = NormalizeAddr(addr)

	c.mu.Lock()
	p, seen := c.peripherals[addr]
	if !seen {
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown device `%s` (never sighted in a scan)", addr)
	}
	if _, pending := c.dials[addr]; pending {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection attempt to `%s` already in progress", addr)
	}
	res := make(chan dialResult, 1)
	c.dials[addr] = res
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.dials, addr)
		c.mu.Unlock()
	}()

	if err := c.dev.Connect(p); err != nil {
		return nil, fmt.Errorf("failed to connect device `%s/%s`: %w", p.Name(), addr, err)
	}

	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect device `%s/%s`: %w", p.Name(), addr, r.err)
		}
		return r.session, nil
	case <-ctx.Done():
		p.Device().CancelConnection(p)

		// The attempt may have completed concurrently, release it again if so
		select {
		case r := <-res:
			if r.session != nil {
				_ = r.session.Close()
			}
		default:
		}

		return nil, fmt.Errorf("failed to connect device `%s/%s`: %w", p.Name(), addr, ctx.Err())
	}
}

func (c *GATTCentral) waitReady(ctx context.Context) error {
	select {
	case <-c.poweredOn:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bluetooth device not ready: %w", ctx.Err())
	}
}

func (c *GATTCentral) dropSession(addr string) {
	c.mu.Lock()
	delete(c.sessions, addr)
	c.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////

func (c *GATTCentral) onStateChanged(d gatt.Device, s gatt.State) {
	c.logger.Debugf("bluetooth device state changed to `%s`", s)

	switch s {
	case gatt.StatePoweredOn:
		c.mu.Lock()
		if !c.ready {
			c.ready = true
			close(c.poweredOn)
		}
		c.mu.Unlock()
	default:
		if err := d.StopScanning(); err != nil {
			c.logger.Warnf("failed to stop scanning: %s", err)
		}
	}
}

func (c *GATTCentral) onPeriphDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	addr := NormalizeAddr(p.ID())

	name := p.Name()
	if a != nil && a.LocalName != "" {
		name = a.LocalName
	}

	c.mu.Lock()
	c.peripherals[addr] = p
	sink := c.scanSink
	c.mu.Unlock()

	if sink != nil {
		sink(Advertisement{
			Addr: addr,
			Name: name,
			RSSI: rssi,
		})
	}
}

func (c *GATTCentral) onPeriphConnected(p gatt.Peripheral, connErr error) {
	addr := NormalizeAddr(p.ID())

	c.mu.Lock()
	waiter := c.dials[addr]
	c.mu.Unlock()

	if waiter == nil {

		// Connection nobody asked for, release it again
		p.Device().CancelConnection(p)
		return
	}

	if connErr != nil {
		waiter <- dialResult{err: connErr}
		return
	}

	c.logger.Debugf("connected peripheral `%s/%s`", p.Name(), addr)

	sess := newGATTSession(c, p, addr)
	c.mu.Lock()
	c.sessions[addr] = sess
	c.mu.Unlock()

	waiter <- dialResult{session: sess}
}

func (c *GATTCentral) onPeriphDisconnected(p gatt.Peripheral, err error) {
	addr := NormalizeAddr(p.ID())

	c.mu.Lock()
	sess := c.sessions[addr]
	delete(c.sessions, addr)
	c.mu.Unlock()

	if sess == nil {
		return
	}

	c.logger.Debugf("disconnected peripheral `%s/%s`: %v", p.Name(), addr, err)
	sess.shutdown()
}

////////////////////////////////////////////////////////////////////////////////

type subscription struct {
	ch       chan []byte
	indicate bool
}

// gattSession wraps an established connection to a single device
type gattSession struct {
	central *GATTCentral
	p       gatt.Peripheral
	addr    string

	mu     sync.Mutex
	chars  map[string]*gatt.Characteristic
	subs   map[string]*subscription
	closed bool

	done chan struct{}

	logger Logger
}

func newGATTSession(central *GATTCentral, p gatt.Peripheral, addr string) *gattSession {
	return &gattSession{
		central: central,
		p:       p,
		addr:    addr,
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
		logger:  central.logger,
	}
}

// Characteristics enumerates all characteristics the device exposes across
// all of its services
func (s *gattSession) Characteristics() ([]Characteristic, error) {
	chars, err := s.discover()
	if err != nil {
		return nil, err
	}

	res := make([]Characteristic, 0, len(chars))
	for uuid, char := range chars {
		props := char.Properties()
		res = append(res, Characteristic{
			UUID:     uuid,
			Notify:   props&gatt.CharNotify != 0,
			Indicate: props&gatt.CharIndicate != 0,
		})
	}

	return res, nil
}

// Subscribe enables value notifications (or indications) on a characteristic,
// returning the channel payloads are put on
func (s *gattSession) Subscribe(uuid string) (<-chan []byte, error) {
	chars, err := s.discover()
	if err != nil {
		return nil, err
	}

	uuid = NormalizeUUID(uuid)
	char, found := chars[uuid]
	if !found {
		return nil, fmt.Errorf("characteristic `%s` not offered by device `%s`", uuid, s.addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	if _, active := s.subs[uuid]; active {
		return nil, fmt.Errorf("already subscribed to characteristic `%s`", uuid)
	}

	ch := make(chan []byte, notifyQueueLen)
	fn := func(_ *gatt.Characteristic, data []byte, err error) {
		if err != nil {
			s.logger.Warnf("notification error on characteristic `%s` of device `%s`: %s", uuid, s.addr, err)
			return
		}

		// Detach from the stack's buffer, it may be reused after the callback
		buf := make([]byte, len(data))
		copy(buf, data)

		select {
		case ch <- buf:
		default:
		}
	}

	// Prefer notifications, fall back to indications for devices that only
	// support confirmed delivery
	indicate := char.Properties()&gatt.CharNotify == 0
	if indicate {
		err = s.p.SetIndicateValue(char, fn)
	} else {
		err = s.p.SetNotifyValue(char, fn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to characteristic `%s`: %w", uuid, err)
	}

	s.subs[uuid] = &subscription{
		ch:       ch,
		indicate: indicate,
	}

	return ch, nil
}

// Unsubscribe disables value notifications on a previously subscribed
// characteristic
func (s *gattSession) Unsubscribe(uuid string) error {
	uuid = NormalizeUUID(uuid)

	s.mu.Lock()
	sub, found := s.subs[uuid]
	delete(s.subs, uuid)
	char := s.chars[uuid]
	closed := s.closed
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("not subscribed to characteristic `%s`", uuid)
	}
	if closed {

		// The link is gone, there is no device left to tell
		return nil
	}

	if sub.indicate {
		return s.p.SetIndicateValue(char, nil)
	}
	return s.p.SetNotifyValue(char, nil)
}

// Done returns a channel that is closed once the link is gone, be it by
// remote disconnect or by Close
func (s *gattSession) Done() <-chan struct{} {
	return s.done
}

// Close releases the connection
func (s *gattSession) Close() error {
	s.central.dropSession(s.addr)
	s.shutdown()

	s.p.Device().CancelConnection(s.p)
	return nil
}

func (s *gattSession) discover() (map[string]*gatt.Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSessionClosed
	}
	if s.chars != nil {
		return s.chars, nil
	}

	ss, err := s.p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	chars := make(map[string]*gatt.Characteristic)
	for _, svc := range ss {
		cs, err := s.p.DiscoverCharacteristics(nil, svc)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of service `%s`: %w", svc.UUID().String(), err)
		}
		for _, char := range cs {
			chars[NormalizeUUID(char.UUID().String())] = char
		}
	}

	s.chars = chars
	return chars, nil
}

func (s *gattSession) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
