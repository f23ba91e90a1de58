package link

import (
	"sync"
	"time"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Manager tracks the connection state of one link and rate-limits
// reconnects. Transitions outside the allowed edges are ignored and reported
// as false. Safe for concurrent use.
type Manager struct {
	retryInterval time.Duration
	settle        time.Duration
	now           func() time.Time

	mu          sync.Mutex
	state       ConnState
	attempted   bool
	lastAttempt time.Time
	connectedAt time.Time
	lastErr     error
}

func NewManager(retryInterval, settle time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if retryInterval < 0 {
		retryInterval = 0
	}
	return &Manager{retryInterval: retryInterval, settle: settle, now: now}
}

func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BeginConnect moves Disconnected to Connecting. It refuses while another
// attempt is in flight, while connected, and until retryInterval has passed
// since the previous attempt or failure.
func (m *Manager) BeginConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Disconnected {
		return false
	}
	now := m.now()
	if m.attempted && now.Sub(m.lastAttempt) < m.retryInterval {
		return false
	}
	m.state = Connecting
	m.attempted = true
	m.lastAttempt = now
	return true
}

func (m *Manager) ConnectSucceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connecting {
		return false
	}
	m.state = Connected
	m.connectedAt = m.now()
	m.lastErr = nil
	return true
}

func (m *Manager) ConnectFailed(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connecting {
		return false
	}
	m.state = Disconnected
	m.lastErr = err
	return true
}

// Fail drops an established link. The next attempt is allowed once
// retryInterval has elapsed from now.
func (m *Manager) Fail(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return false
	}
	m.state = Disconnected
	m.lastErr = err
	m.attempted = true
	m.lastAttempt = m.now()
	return true
}

// Release drops an established link without penalty: the next BeginConnect
// may start immediately.
func (m *Manager) Release() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return false
	}
	m.state = Disconnected
	m.attempted = false
	return true
}

// Ready reports whether the link is connected and past its settle delay.
func (m *Manager) Ready() bool {
	return m.SettleRemaining() == 0 && m.State() == Connected
}

// SettleRemaining is how long a connected link still wants before its first
// send. It is zero when not connected.
func (m *Manager) SettleRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return 0
	}
	left := m.settle - m.now().Sub(m.connectedAt)
	if left < 0 {
		return 0
	}
	return left
}

// NextRetryAt is the earliest time BeginConnect can succeed. The zero time
// means no attempt is pending a backoff.
func (m *Manager) NextRetryAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attempted {
		return time.Time{}
	}
	return m.lastAttempt.Add(m.retryInterval)
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
