package sapgate

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

var (
	errOverallDeadline = errors.New("overall deadline exceeded")
	errAttemptDeadline = errors.New("attempt deadline exceeded")
)

// Request describes one upstream call. The retry loop never looks inside it.
type Request struct {
	Method   string
	URL      string
	Host     string
	Header   http.Header
	Body     []byte
	Username string
	Password string
}

// Payload is a successful upstream response.
type Payload struct {
	Status      int
	ContentType string
	Body        []byte
}

// IsJSON reports whether the body can be embedded as raw JSON.
func (p Payload) IsJSON() bool {
	return strings.Contains(strings.ToLower(p.ContentType), "json") || jsonLooking(p.Body)
}

func jsonLooking(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && (b[0] == '{' || b[0] == '[')
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

func WithMaxBody(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBody = n }
}

func WithFetcherLogger(l zerolog.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = l.With().Str("component", "fetcher").Logger() }
}

// WithJitterSource replaces the random source used for backoff jitter. rnd
// must return a value in [0, n).
func WithJitterSource(rnd func(n int64) int64) FetcherOption {
	return func(f *Fetcher) { f.jitter = rnd }
}

// WithRetryHook registers a callback invoked before every backoff sleep.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) FetcherOption {
	return func(f *Fetcher) { f.onRetry = fn }
}

// Fetcher issues upstream requests with bounded retries, exponential backoff
// with jitter, and two independent deadlines (per attempt and overall).
type Fetcher struct {
	client  *http.Client
	maxBody int64
	log     zerolog.Logger
	jitter  func(n int64) int64
	onRetry func(attempt int, delay time.Duration, err error)
}

func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: newUpstreamClient(true),
		log:    zerolog.Nop(),
		jitter: defaultJitterSource,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// newUpstreamClient builds the client used against SAP. Deadlines come from
// contexts, so the client itself has no Timeout.
func newUpstreamClient(verifyTLS bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verifyTLS, //nolint:gosec // self-signed SAP dev systems
	}
	return &http.Client{Transport: tr}
}

// Fetch runs one fetch cycle. It returns the first 2xx payload, or a
// *FetchError whose Kind is UpstreamClientError, OverallTimeoutExceeded,
// RetriesExhausted, Canceled or InvalidRequest.
func (f *Fetcher) Fetch(ctx context.Context, req Request, p RetryPolicy) (Payload, error) {
	if err := p.Validate(); err != nil {
		return Payload{}, &FetchError{Kind: KindInvalidRequest, Message: "invalid retry policy", Err: err}
	}

	overallCtx, cancel := context.WithTimeoutCause(ctx, p.OverallTimeout, errOverallDeadline)
	defer cancel()

	var last *FetchError
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		payload, ferr := f.attempt(overallCtx, req, p.PerAttemptTimeout)
		if ferr == nil {
			return payload, nil
		}
		ferr.Attempts = attempt
		if stop := interruption(overallCtx, p, attempt, ferr); stop != nil {
			return Payload{}, stop
		}
		if !ferr.Retryable() {
			return Payload{}, ferr
		}
		last = ferr
		if attempt == p.MaxAttempts {
			break
		}

		backoff := p.Backoff(attempt)
		delay := backoff + p.jitterFor(backoff, f.jitter)
		f.log.Warn().Err(ferr).Int("attempt", attempt).Dur("delay", delay).Msg("upstream attempt failed, retrying")
		if f.onRetry != nil {
			f.onRetry(attempt, delay, ferr)
		}
		if err := sleepCtx(overallCtx, delay); err != nil {
			return Payload{}, interruption(overallCtx, p, attempt, ferr)
		}
	}

	return Payload{}, &FetchError{
		Kind:       KindRetriesExhausted,
		Message:    fmt.Sprintf("giving up after %d attempts", p.MaxAttempts),
		StatusCode: last.StatusCode,
		Attempts:   p.MaxAttempts,
		Err:        last,
	}
}

// interruption converts a finished overall context into the matching
// terminal error, or returns nil while the cycle may continue.
func interruption(ctx context.Context, p RetryPolicy, attempt int, last *FetchError) *FetchError {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), errOverallDeadline) {
		return &FetchError{
			Kind:     KindOverallTimeout,
			Message:  fmt.Sprintf("overall deadline of %s exceeded during attempt %d", p.OverallTimeout, attempt),
			Attempts: attempt,
			Err:      last,
		}
	}
	return &FetchError{
		Kind:     KindCanceled,
		Message:  "fetch canceled by caller",
		Attempts: attempt,
		Err:      context.Cause(ctx),
	}
}

func (f *Fetcher) attempt(ctx context.Context, req Request, timeout time.Duration) (Payload, *FetchError) {
	actx, cancel := context.WithTimeoutCause(ctx, timeout, errAttemptDeadline)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, method, req.URL, body)
	if err != nil {
		return Payload{}, &FetchError{Kind: KindInvalidRequest, Message: "build upstream request", Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.Host != "" {
		hreq.Host = req.Host
	}
	if req.Username != "" || req.Password != "" {
		hreq.SetBasicAuth(req.Username, req.Password)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		if errors.Is(context.Cause(actx), errAttemptDeadline) {
			return Payload{}, &FetchError{Kind: KindNetwork, Message: fmt.Sprintf("attempt timed out after %s", timeout), Err: err}
		}
		return Payload{}, &FetchError{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	// The status decides the outcome; an error body is only read for the message.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetBytes))
		return Payload{}, &FetchError{
			Kind:       classifyStatus(resp.StatusCode),
			Message:    fmt.Sprintf("upstream answered %d %s", resp.StatusCode, snippet(b)),
			StatusCode: resp.StatusCode,
		}
	}

	b, err := f.readBody(resp.Body)
	if err != nil {
		var tooLarge *bodyTooLargeError
		if errors.As(err, &tooLarge) {
			return Payload{}, &FetchError{Kind: KindUpstreamClient, Message: "upstream response rejected", Err: err}
		}
		return Payload{}, &FetchError{Kind: KindNetwork, Message: "read upstream body", Err: err}
	}

	return Payload{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        b,
	}, nil
}

type bodyTooLargeError struct{ limit int64 }

func (e *bodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %s", formatBytes(uint64(e.limit)))
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.maxBody <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, f.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > f.maxBody {
		return nil, &bodyTooLargeError{limit: f.maxBody}
	}
	return b, nil
}

const (
	errorSnippetBytes = 4 * kib
	snippetRunes      = 256
)

func snippet(b []byte) string {
	s := strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
	if utf8.RuneCountInString(s) > snippetRunes {
		s = string([]rune(s)[:snippetRunes]) + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
