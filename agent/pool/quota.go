package pool

import (
	"sync"
	"time"
)

const defaultQuotaCooldown = 10 * time.Minute

// QuotaGuard remembers that the provider quota behind the agents is exhausted
// so batches stop calling it until the cooldown passes or Reset is called.
// Safe for concurrent use; one guard is shared by every coordinator of a session.
type QuotaGuard struct {
	mu        sync.Mutex
	cooldown  time.Duration
	now       func() time.Time
	trippedAt time.Time
	tripped   bool
	reason    string
}

func NewQuotaGuard(cooldown time.Duration) *QuotaGuard {
	if cooldown <= 0 {
		cooldown = defaultQuotaCooldown
	}
	return &QuotaGuard{cooldown: cooldown, now: time.Now}
}

// Trip marks the quota exhausted.
func (g *QuotaGuard) Trip(reason string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripped = true
	g.trippedAt = g.now()
	g.reason = reason
}

// Tripped reports whether calls must be skipped, and why.
func (g *QuotaGuard) Tripped() (bool, string) {
	if g == nil {
		return false, ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tripped {
		return false, ""
	}
	if g.now().Sub(g.trippedAt) >= g.cooldown {
		g.tripped = false
		g.reason = ""
		return false, ""
	}
	return true, g.reason
}

func (g *QuotaGuard) Reset() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripped = false
	g.reason = ""
}
