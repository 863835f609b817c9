package sapgate

import "time"

// CacheEntry is the last successful payload of a resource. One entry exists
// per resource key and is replaced wholesale on every success.
type CacheEntry struct {
	CapturedAt time.Time
	Payload    Payload
}

// Age is how old the entry is relative to now.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

// Result is what a Load hands to the consumer. Cause is set only when the
// data was served from cache and records why the live fetch failed.
type Result struct {
	Payload         Payload
	ServedFromCache bool
	CapturedAt      time.Time
	Cause           error
}
