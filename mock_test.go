package btthermo

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeCentral implements Central for tests: it replays a scripted set of
// advertisements to every scan and hands out queued fakeSessions per address
type fakeCentral struct {
	mu sync.Mutex

	advs     []Advertisement
	holdScan bool // keep the scan open until ctx ends instead of after replay
	scanErr  error

	queues   map[string][]*fakeSession
	dialErrs map[string]error

	scanCount int
	dialCount map[string]int
}

func newFakeCentral(advs ...Advertisement) *fakeCentral {
	return &fakeCentral{
		advs:      advs,
		queues:    make(map[string][]*fakeSession),
		dialErrs:  make(map[string]error),
		dialCount: make(map[string]int),
	}
}

func (c *fakeCentral) addSession(addr string, sess *fakeSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[addr] = append(c.queues[addr], sess)
}

func (c *fakeCentral) failDials(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialErrs[addr] = err
}

func (c *fakeCentral) scans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanCount
}

func (c *fakeCentral) dials(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialCount[addr]
}

func (c *fakeCentral) Scan(ctx context.Context, sighted func(adv Advertisement)) error {
	c.mu.Lock()
	c.scanCount++
	advs := append([]Advertisement(nil), c.advs...)
	scanErr := c.scanErr
	hold := c.holdScan
	c.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}

	for _, adv := range advs {
		if ctx.Err() != nil {
			return nil
		}
		sighted(adv)
	}

	if hold {
		<-ctx.Done()
	}
	return nil
}

func (c *fakeCentral) Dial(ctx context.Context, addr string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dialCount[addr]++
	if err := c.dialErrs[addr]; err != nil {
		return nil, err
	}

	queue := c.queues[addr]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no session scripted for `%s`", addr)
	}
	sess := queue[0]
	c.queues[addr] = queue[1:]

	return sess, nil
}

// fakeSession implements Session for tests, with scripted characteristics
// and failure modes. Payloads are injected via push, a remote link drop via
// drop
type fakeSession struct {
	chars    []Characteristic
	charsErr error
	subErr   error
	unsubErr error
	closeErr error

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	closed       bool
	dropped      bool

	notifyCh chan []byte
	done     chan struct{}
}

func newFakeSession(chars ...Characteristic) *fakeSession {
	return &fakeSession{
		chars:    chars,
		notifyCh: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (s *fakeSession) push(data []byte) {
	s.notifyCh <- data
}

func (s *fakeSession) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropped {
		s.dropped = true
		close(s.done)
	}
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) unsubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsubscribed)
}

func (s *fakeSession) Characteristics() ([]Characteristic, error) {
	if s.charsErr != nil {
		return nil, s.charsErr
	}
	return s.chars, nil
}

func (s *fakeSession) Subscribe(uuid string) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return nil, s.subErr
	}
	s.subscribed = append(s.subscribed, uuid)
	return s.notifyCh, nil
}

func (s *fakeSession) Unsubscribe(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, uuid)
	return s.unsubErr
}

func (s *fakeSession) Done() <-chan struct{} {
	return s.done
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

// statusRecorder collects every status a supervisor reports, for sequence
// assertions without losing updates
type statusRecorder struct {
	mu       sync.Mutex
	statuses []ConnectionStatus
}

func (r *statusRecorder) record(status ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) all() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionStatus(nil), r.statuses...)
}

func (r *statusRecorder) states() []State {
	statuses := r.all()
	states := make([]State, 0, len(statuses))
	for _, status := range statuses {
		states = append(states, status.State)
	}
	return states
}

func (r *statusRecorder) count(state State) int {
	n := 0
	for _, s := range r.states() {
		if s == state {
			n++
		}
	}
	return n
}

// find returns the first recorded status with the given state
func (r *statusRecorder) find(state State) (ConnectionStatus, bool) {
	for _, status := range r.all() {
		if status.State == state {
			return status, true
		}
	}
	return ConnectionStatus{}, false
}

func (r *statusRecorder) waitState(t *testing.T, want State) {
	t.Helper()
	waitCond(t, fmt.Sprintf("state %s", want), func() bool {
		for _, s := range r.states() {
			if s == want {
				return true
			}
		}
		return false
	})
}

// waitCond polls a condition until it holds or the test deadline of two
// seconds expires
func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never reached", what)
}

// waitRecords polls the CSV file at path until it holds at least want
// records, returning them
func waitRecords(t *testing.T, path string, want int) [][]string {
	t.Helper()

	var records [][]string
	waitCond(t, fmt.Sprintf("%d records in `%s`", want, path), func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		parsed, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		if err != nil || len(parsed) < want {
			return false
		}
		records = parsed
		return true
	})

	return records
}

// testConfig returns a configuration tuned for fast tests, logging below
// dir. With addresses given it matches exactly those (one device per
// address); without, the default keyword matching stays in place
func testConfig(t *testing.T, dir string, addrs ...string) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.LogDir = dir
	cfg.DiscoveryTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.SettleDelay = 0
	cfg.BackoffDelay = 10 * time.Millisecond
	if len(addrs) > 0 {
		cfg.Addresses = addrs
		cfg.NameKeywords = nil
		cfg.WantDevices = len(addrs)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test configuration: %v", err)
	}
	return cfg
}
