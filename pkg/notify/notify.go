// Package notify delivers bridge status messages to the user.
package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"Tether/pkg/bridge"
	"Tether/pkg/logger"
)

// LogSink writes every message to the structured log.
type LogSink struct{}

func (LogSink) Publish(msg bridge.StatusMessage) {
	ev := logger.Info("status")
	if msg.Kind.IsFailure() {
		ev = logger.Warn("status")
	}
	ev.Str("kind", msg.Kind.String()).
		Str("serial", msg.Serial).
		Str("address", msg.Address).
		Msg(msg.Text)
}

// Fanout publishes to several sinks in order.
type Fanout []bridge.StatusSink

func (f Fanout) Publish(msg bridge.StatusMessage) {
	for _, s := range f {
		if s != nil {
			s.Publish(msg)
		}
	}
}

// maxThrottleKeys bounds the limiter map; it is reset when full.
const maxThrottleKeys = 256

// Throttled forwards a message only if the same kind and text has not been
// forwarded within the interval.
type Throttled struct {
	next     bridge.StatusSink
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottled wraps next. A non-positive interval disables throttling.
func NewThrottled(next bridge.StatusSink, interval time.Duration) *Throttled {
	return &Throttled{next: next, interval: interval, limiters: make(map[string]*rate.Limiter)}
}

func (t *Throttled) Publish(msg bridge.StatusMessage) {
	if t.interval > 0 && !t.allow(msg.Kind.String()+"\x00"+msg.Text) {
		logger.Debug("status").Str("kind", msg.Kind.String()).Msg("Duplicate status dropped")
		return
	}
	t.next.Publish(msg)
}

func (t *Throttled) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= maxThrottleKeys {
			t.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[key] = lim
	}
	return lim.Allow()
}
