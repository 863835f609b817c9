package sapgate

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// testClient disables keep-alives so the transport never transparently
// replays a request on a reused connection; every attempt is one server hit.
func testClient() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

// resetConn drops the connection without answering, the way a peer that
// sends ECONNRESET looks to the client.
func resetConn(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Errorf("response writer cannot be hijacked")
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		t.Errorf("hijack: %v", err)
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       attempts,
		PerAttemptTimeout: time.Second,
		OverallTimeout:    5 * time.Second,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		JitterCeiling:     time.Millisecond,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSender records deliveries and answers with a per-endpoint status.
type fakeSender struct {
	mu       sync.Mutex
	payloads map[string][]string
	status   map[string]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{payloads: map[string][]string{}, status: map[string]int{}}
}

func (f *fakeSender) Send(_ context.Context, sub Subscription, payload []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[sub.Endpoint] = append(f.payloads[sub.Endpoint], string(payload))
	if st := f.status[sub.Endpoint]; st >= 400 {
		return st, fmt.Errorf("push service answered %d", st)
	}
	return http.StatusCreated, nil
}

func (f *fakeSender) Delivered(endpoint string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads[endpoint]...)
}

func testSubscription(endpoint string) Subscription {
	return Subscription{
		Endpoint: endpoint,
		Keys:     SubscriptionKeys{P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM", Auth: "tBHItJI5svbpez7KI4CCXg"},
	}
}
