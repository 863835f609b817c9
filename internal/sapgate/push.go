package sapgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
)

var ErrPushDisabled = errors.New("push notifications are not configured")

type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime,omitempty"`
	Keys           SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s Subscription) Validate() error {
	if s.Endpoint == "" || s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return invalidRequest("invalid subscription object")
	}
	return nil
}

// Message is the JSON document delivered to the service worker.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type SendResult struct {
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

type NotifyReport struct {
	Sent         int          `json:"sent"`
	Failed       int          `json:"failed"`
	StaleRemoved int          `json:"staleRemoved"`
	Results      []SendResult `json:"results"`
}

// pushSender delivers one payload and reports the push service status code
// (0 when no response was received).
type pushSender interface {
	Send(ctx context.Context, sub Subscription, payload []byte) (int, error)
}

type vapidSender struct {
	opts webpush.Options
}

func newVAPIDSender(cfg PushConfig) (*vapidSender, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, ErrPushDisabled
	}
	return &vapidSender{opts: webpush.Options{
		Subscriber:      cfg.Subject,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		TTL:             int(cfg.ttlDur / time.Second),
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
	}}, nil
}

func (v *vapidSender) Send(ctx context.Context, sub Subscription, payload []byte) (int, error) {
	ws := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}
	opts := v.opts
	resp, err := webpush.SendNotificationWithContext(ctx, payload, ws, &opts)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("push service answered %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Notifier fans a message out to every stored subscription and prunes the
// ones the push service reports as gone.
type Notifier struct {
	store  SubscriptionStore
	sender pushSender
	log    zerolog.Logger
	sem    chan struct{}
}

func NewNotifier(store SubscriptionStore, sender pushSender, log zerolog.Logger) *Notifier {
	return &Notifier{
		store:  store,
		sender: sender,
		log:    log.With().Str("component", "push").Logger(),
		sem:    make(chan struct{}, 16),
	}
}

func (n *Notifier) Enabled() bool { return n.sender != nil }

func (n *Notifier) NotifyAll(ctx context.Context, msg Message) (NotifyReport, error) {
	if n.sender == nil {
		return NotifyReport{}, ErrPushDisabled
	}
	subs, err := n.store.List(ctx)
	if err != nil {
		return NotifyReport{}, fmt.Errorf("list subscriptions: %w", err)
	}
	report := NotifyReport{Results: []SendResult{}}
	if len(subs) == 0 {
		return report, nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return NotifyReport{}, err
	}

	results := make([]SendResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		n.sem <- struct{}{}
		go func(i int, sub Subscription) {
			defer wg.Done()
			defer func() { <-n.sem }()
			status, err := n.sender.Send(ctx, sub, payload)
			results[i] = SendResult{Endpoint: sub.Endpoint, Status: status}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, sub)
	}
	wg.Wait()

	var stale []string
	for _, r := range results {
		if r.Error == "" {
			report.Sent++
		} else {
			report.Failed++
			if isGone(r.Status) {
				stale = append(stale, r.Endpoint)
			}
		}
		n.log.Debug().Str("endpoint", tail(r.Endpoint, 20)).Int("status", r.Status).Str("error", r.Error).Msg("push delivery")
	}
	if len(stale) > 0 {
		removed, err := n.store.Remove(ctx, stale...)
		if err != nil {
			return report, fmt.Errorf("prune stale subscriptions: %w", err)
		}
		report.StaleRemoved = removed
	}
	report.Results = results
	n.log.Info().Int("sent", report.Sent).Int("failed", report.Failed).Int("stale_removed", report.StaleRemoved).Msg("push fan-out done")
	return report, nil
}

func isGone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
