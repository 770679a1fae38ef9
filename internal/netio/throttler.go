package netio

import (
	"sync"
	"time"

	"github.com/dhthunter/crawler/internal/dhttype"
)

// ThrottlerConfig configures the per-endpoint-count-and-timeout variant
// of connection throttling.
type ThrottlerConfig struct {
	// MaxOutstanding is the number of in-flight sends an endpoint may
	// hold before being throttled purely on count.
	MaxOutstanding int
	// StaleAfter throttles an endpoint whose oldest tracked send is
	// older than this, independently of the count cap — a single
	// unresponsive remote should not monopolize a send slot forever.
	StaleAfter time.Duration
}

// DefaultThrottlerConfig mirrors the per-endpoint outstanding
// transaction cap used by the Transaction Manager.
var DefaultThrottlerConfig = ThrottlerConfig{
	MaxOutstanding: 10,
	StaleAfter:     10 * time.Second,
}

type endpointState struct {
	sendTimes []time.Time
}

// Throttler tracks per-endpoint outstanding sends, rejecting Allow()
// when an endpoint is over its count cap or has a stale pending send.
type Throttler struct {
	mu    sync.Mutex
	cfg   ThrottlerConfig
	state map[dhttype.Endpoint]*endpointState
}

// NewThrottler constructs a Throttler with cfg.
func NewThrottler(cfg ThrottlerConfig) *Throttler {
	return &Throttler{cfg: cfg, state: make(map[dhttype.Endpoint]*endpointState)}
}

// Allow reports whether a new send to addr is currently permitted.
func (t *Throttler) Allow(addr dhttype.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.state[addr]
	if !ok {
		return true
	}
	t.pruneLocked(s)
	if len(s.sendTimes) >= t.cfg.MaxOutstanding {
		return false
	}
	if len(s.sendTimes) > 0 && time.Since(s.sendTimes[0]) > t.cfg.StaleAfter {
		return false
	}
	return true
}

// Track records a newly submitted send to addr. Callers must have
// already confirmed Allow(addr) for this send.
func (t *Throttler) Track(addr dhttype.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[addr]
	if !ok {
		s = &endpointState{}
		t.state[addr] = s
	}
	s.sendTimes = append(s.sendTimes, time.Now())
}

// Release marks one outstanding send to addr as completed, freeing a
// count-cap slot. Completion is driven by the Transaction Manager
// resolving the corresponding future.
func (t *Throttler) Release(addr dhttype.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[addr]
	if !ok || len(s.sendTimes) == 0 {
		return
	}
	s.sendTimes = s.sendTimes[1:]
	if len(s.sendTimes) == 0 {
		delete(t.state, addr)
	}
}

// pruneLocked drops send timestamps older than StaleAfter*4 — a stale
// send still counts against the cap (and triggers rejection above) but
// must not accumulate forever if Release is never called for it.
func (t *Throttler) pruneLocked(s *endpointState) {
	cutoff := time.Now().Add(-4 * t.cfg.StaleAfter)
	i := 0
	for i < len(s.sendTimes) && s.sendTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.sendTimes = s.sendTimes[i:]
	}
}
