package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cyberinferno/go-remotedb/config"
	"github.com/cyberinferno/go-remotedb/idgenerator"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/metrics"
)

// Config holds the liveness settings of a process.
type Config struct {
	// Timeout is the number of consecutive reaper polls a session may miss.
	Timeout int
	// Interval is the time between reaper cycles; 0 disables reaping.
	Interval time.Duration
}

// Defaults when the options leave them out.
const (
	DefaultTimeout  = 3
	DefaultInterval = 10 * time.Second
)

// ConfigFromOptions reads timeout and timeoutinterval.
func ConfigFromOptions(opts config.Options) (Config, error) {
	timeout, err := opts.Int(config.KeyTimeout, DefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	if timeout < 0 {
		return Config{}, &configError{key: config.KeyTimeout}
	}
	interval, err := opts.Millis(config.KeyTimeoutInterval, DefaultInterval)
	if err != nil {
		return Config{}, err
	}
	return Config{Timeout: timeout, Interval: interval}, nil
}

type configError struct{ key string }

func (e *configError) Error() string { return "session: option " + e.key + " must not be negative" }

// Manager holds strong references to every open session. Sessions remove
// themselves on every close path.
type Manager struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	numbers  *idgenerator.IdGenerator

	log     logger.Logger
	metrics *metrics.Metrics
}

// NewManager returns an empty manager. m may be nil.
func NewManager(log logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions: make(map[uint64]*Session),
		numbers:  idgenerator.NewIdGenerator(0),
		log:      log,
		metrics:  m,
	}
}

func (m *Manager) nextNumber() uint64 { return m.numbers.Id() }

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	m.sessions[s.number] = s
	m.mu.Unlock()
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.number]; ok && cur == s {
		delete(m.sessions, s.number)
	}
	m.mu.Unlock()
}

// Get returns the open session with the given number.
func (m *Manager) Get(number uint64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[number]
	return s, ok
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns the registered sessions ordered by number.
func (m *Manager) Snapshot() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out
}

// Range calls f for each session of a snapshot until f returns false.
func (m *Manager) Range(f func(s *Session) bool) {
	for _, s := range m.Snapshot() {
		if !f(s) {
			return
		}
	}
}

// CloseAll closes every session, collecting their errors.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	var err error
	for _, s := range m.Snapshot() {
		err = multierr.Append(err, s.close(ctx, reason))
	}
	return err
}
