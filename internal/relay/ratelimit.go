package relay

import (
	"sync"
	"time"
)

// senderLimiter is a fixed-window rate limiter keyed by sender ID,
// applied to chunk uploads.
type senderLimiter struct {
	mu      sync.Mutex
	senders map[string]*window
	rate    int
	span    time.Duration
}

type window struct {
	count int
	start time.Time
}

func newSenderLimiter(rate int, span time.Duration) *senderLimiter {
	l := &senderLimiter{
		senders: make(map[string]*window),
		rate:    rate,
		span:    span,
	}
	go func() {
		for {
			time.Sleep(time.Minute)
			l.cleanup()
		}
	}()
	return l
}

// allow reports whether the sender is within its rate limit.
func (l *senderLimiter) allow(senderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.senders[senderID]
	if !ok || now.Sub(w.start) > l.span {
		l.senders[senderID] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.rate
}

// cleanup removes senders whose window has expired.
func (l *senderLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for id, w := range l.senders {
		if now.Sub(w.start) > l.span {
			delete(l.senders, id)
		}
	}
}
