package sapgate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one line per key per interval so a down
// upstream does not flood the log with one warning per request.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration

	mu     sync.Mutex
	lastAt map[string]time.Time
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval, lastAt: map[string]time.Time{}}
}

func (l *rateLimitedLogger) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.lastAt[key] = now
	return true
}

func (l *rateLimitedLogger) Warn(key string, fn func(e *zerolog.Event)) {
	if !l.allow(key) {
		return
	}
	fn(l.log.Warn())
}
