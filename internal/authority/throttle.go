package authority

import (
	"sync"
	"time"

	"github.com/couriermq/courier/internal/clock"
)

const (
	throttleMaxFailures  = 5
	throttleWindow       = 15 * time.Minute
	throttleSweepEntries = 8192
)

// loginThrottle counts failed logins per email+IP pair in memory. After
// throttleMaxFailures inside one window, further attempts are rejected
// until the window ends. Process-local on purpose: an attacker spread
// across instances still hits the per-account bcrypt cost.
type loginThrottle struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]*throttleEntry
}

type throttleEntry struct {
	failures  int
	windowEnd time.Time
}

func newLoginThrottle(clk clock.Clock) *loginThrottle {
	return &loginThrottle{clk: clk, entries: make(map[string]*throttleEntry)}
}

// blocked reports whether the key is locked out, and for how many more
// seconds.
func (t *loginThrottle) blocked(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false, 0
	}
	now := t.clk.Now()
	if now.After(e.windowEnd) {
		delete(t.entries, key)
		return false, 0
	}
	if e.failures < throttleMaxFailures {
		return false, 0
	}
	retry := int(e.windowEnd.Sub(now).Seconds())
	if retry < 1 {
		retry = 1
	}
	return true, retry
}

// fail records one failed attempt.
func (t *loginThrottle) fail(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	if len(t.entries) >= throttleSweepEntries {
		for k, e := range t.entries {
			if now.After(e.windowEnd) {
				delete(t.entries, k)
			}
		}
	}

	e, ok := t.entries[key]
	if !ok || now.After(e.windowEnd) {
		t.entries[key] = &throttleEntry{failures: 1, windowEnd: now.Add(throttleWindow)}
		return
	}
	e.failures++
}

// reset clears the key after a successful login.
func (t *loginThrottle) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
