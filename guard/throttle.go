package guard

import (
	"sync"
	"time"
)

// Throttle enforces a minimum gap between successive mutating exchange
// calls. The gap is global across operations, which is why the engine
// issues exchange mutations sequentially rather than in parallel.
type Throttle struct {
	mu      sync.Mutex
	spacing time.Duration
	next    time.Time

	now func() time.Time // test hook
}

func NewThrottle(spacing time.Duration) *Throttle {
	return &Throttle{spacing: spacing, now: time.Now}
}

// Reserve claims the next call slot and returns how long the caller must
// wait before issuing it. Zero means go now. Each call pushes the slot
// forward by the spacing, so concurrent reservers serialize fairly.
func (t *Throttle) Reserve() time.Duration {
	if t.spacing <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.next.Before(now) {
		t.next = now
	}
	wait := t.next.Sub(now)
	t.next = t.next.Add(t.spacing)
	return wait
}
