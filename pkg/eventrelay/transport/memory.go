package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected transport failure")

type storedMessage struct {
	payload []byte
	at      time.Time
}

// Memory is a synchronous in-memory transport. Writes are appended per
// category; reads consume them in FIFO order.
type Memory struct {
	mu          sync.Mutex
	messages    map[string][]storedMessage
	clock       clock.Clock
	failNext    int
	failAlways  bool
	failErr     error
	unavailable bool
	skipStore   bool
	writes      int
}

// Compile-time interface check.
var _ message.Transport = (*Memory)(nil)

// NewMemory creates an empty in-memory transport.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		messages: make(map[string][]storedMessage),
		clock:    clk,
	}
}

// FailNext makes the next n writes fail with err (ErrInjected if nil).
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// FailAlways makes every write fail until Recover is called.
func (m *Memory) FailAlways(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = true
	m.failErr = err
}

// DropWrites makes writes report success without storing anything, so
// that Verify fails.
func (m *Memory) DropWrites(drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipStore = drop
}

// Recover clears injected failures.
func (m *Memory) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = 0
	m.failAlways = false
	m.failErr = nil
	m.skipStore = false
}

// SetAvailable toggles Available.
func (m *Memory) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = !available
}

// Push places an inbound payload in category, as if written by the
// remote side.
func (m *Memory) Push(category string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[category] = append(m.messages[category], storedMessage{payload: payload, at: m.clock.Now()})
}

// Messages returns a copy of the payloads stored in category.
func (m *Memory) Messages(category string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, 0, len(m.messages[category]))
	for _, msg := range m.messages[category] {
		out = append(out, msg.payload)
	}
	return out
}

// Writes returns the number of write calls, including failed ones.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Write implements message.Transport.
func (m *Memory) Write(_ context.Context, payload []byte, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.failAlways || m.failNext > 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		if m.failErr != nil {
			return m.failErr
		}
		return ErrInjected
	}
	if m.skipStore {
		return nil
	}

	stored := append([]byte(nil), payload...)
	m.messages[category] = append(m.messages[category], storedMessage{payload: stored, at: m.clock.Now()})
	return nil
}

// Read implements message.Transport.
func (m *Memory) Read(_ context.Context, category string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.messages[category]
	if len(queue) == 0 {
		return nil, message.ErrNoData
	}
	m.messages[category] = queue[1:]
	return queue[0].payload, nil
}

// Verify implements message.Transport.
func (m *Memory) Verify(_ context.Context, payload []byte, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[category] {
		if bytes.Equal(msg.payload, payload) {
			return nil
		}
	}
	return message.ErrVerifyMismatch
}

// CleanupOldMessages implements message.Transport.
func (m *Memory) CleanupOldMessages(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-maxAge)
	removed := 0
	for category, queue := range m.messages {
		kept := queue[:0]
		for _, msg := range queue {
			if msg.at.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		m.messages[category] = kept
	}
	return removed, nil
}

// Available implements message.Transport.
func (m *Memory) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unavailable
}
