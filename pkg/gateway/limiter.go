package gateway

import (
	"math"
	"sync"

	"chatrelay/pkg/config"

	"golang.org/x/time/rate"
)

// eventLimiter tracks one token bucket per (session, event) pair. Buckets
// are created lazily and dropped when the session goes away.
type eventLimiter struct {
	mu    sync.Mutex
	conns map[string]map[string]*rate.Limiter
	// limits by event name; events without an entry are not throttled
	limits map[string]config.EventLimit
}

func newEventLimiter(limits []config.EventLimit) *eventLimiter {
	byEvent := make(map[string]config.EventLimit, len(limits))
	for _, l := range limits {
		if l.Event == "" || l.RPS <= 0 || l.Burst <= 0 {
			continue
		}
		byEvent[l.Event] = l
	}
	return &eventLimiter{
		conns:  make(map[string]map[string]*rate.Limiter),
		limits: byEvent,
	}
}

func (el *eventLimiter) get(sessionID, event string) *rate.Limiter {
	lim, ok := el.limits[event]
	if !ok {
		return nil
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	buckets := el.conns[sessionID]
	if buckets == nil {
		buckets = make(map[string]*rate.Limiter)
		el.conns[sessionID] = buckets
	}
	l := buckets[event]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(lim.RPS), lim.Burst)
		buckets[event] = l
	}
	return l
}

// Allow reports whether the session may submit the event now. When the
// bucket is empty it returns false plus the whole seconds to wait before
// the next token, for the rateLimit notice.
func (el *eventLimiter) Allow(sessionID, event string) (bool, int) {
	l := el.get(sessionID, event)
	if l == nil {
		return true, 0
	}
	res := l.Reserve()
	if !res.OK() {
		return false, 1
	}
	delay := res.Delay()
	if delay == 0 {
		return true, 0
	}
	// the token is not consumed when the caller has to wait
	res.Cancel()
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return false, secs
}

// RemoveSession drops all buckets for a disconnected session.
func (el *eventLimiter) RemoveSession(sessionID string) {
	el.mu.Lock()
	delete(el.conns, sessionID)
	el.mu.Unlock()
}
