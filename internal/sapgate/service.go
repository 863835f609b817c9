package sapgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	cfg Config
	log zerolog.Logger

	gw       *Gateway
	sap      *SAPClient
	subs     SubscriptionStore
	notifier *Notifier

	stats *statsCollector

	bgSem     chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once

	// bgMu orders wg.Add in notifyAsync against wg.Wait in Close.
	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type ServiceOption func(*serviceDeps)

type serviceDeps struct {
	httpClient *http.Client
	sender     pushSender
	store      SubscriptionStore
	now        func() time.Time
}

// WithUpstreamClient overrides the client used to reach SAP.
func WithUpstreamClient(c *http.Client) ServiceOption {
	return func(d *serviceDeps) { d.httpClient = c }
}

func withPushSender(s pushSender) ServiceOption {
	return func(d *serviceDeps) { d.sender = s }
}

func withSubscriptionStore(s SubscriptionStore) ServiceOption {
	return func(d *serviceDeps) { d.store = s }
}

func withServiceClock(now func() time.Time) ServiceOption {
	return func(d *serviceDeps) { d.now = now }
}

func NewService(cfg Config, log zerolog.Logger, opts ...ServiceOption) (*Service, error) {
	var deps serviceDeps
	for _, o := range opts {
		o(&deps)
	}
	if deps.httpClient == nil {
		deps.httpClient = newUpstreamClient(cfg.Upstream.VerifyTLS)
	}
	if !cfg.Upstream.VerifyTLS {
		log.Warn().Msg("upstream TLS verification is disabled")
	}

	fetcher := NewFetcher(
		WithHTTPClient(deps.httpClient),
		WithMaxBody(cfg.Upstream.maxBodyBytes),
		WithFetcherLogger(log),
	)
	gwOpts := []GatewayOption{WithGatewayLogger(log)}
	if deps.now != nil {
		gwOpts = append(gwOpts, WithClock(deps.now))
	}
	gw := NewGateway(fetcher, cfg.Policy(), cfg.CacheTTL(), gwOpts...)

	if deps.store == nil {
		store, err := OpenSubscriptionStore(cfg.Push)
		if err != nil {
			return nil, err
		}
		deps.store = store
	}
	if deps.sender == nil {
		vs, err := newVAPIDSender(cfg.Push)
		switch {
		case err == nil:
			deps.sender = vs
		case errors.Is(err, ErrPushDisabled):
			log.Info().Msg("VAPID keys not set, push notifications disabled")
		default:
			return nil, err
		}
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		gw:       gw,
		sap:      NewSAPClient(cfg.Upstream, gw, log),
		subs:     deps.store,
		notifier: NewNotifier(deps.store, deps.sender, log),
		stats:    newStatsCollector(),
		bgSem:    make(chan struct{}, 32),
		stopCh:   make(chan struct{}),
	}

	s.startWarmup()
	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	return s, nil
}

// Close waits for background push fan-outs and closes the subscription
// store. It is safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.bgMu.Lock()
		s.closed = true
		close(s.stopCh)
		s.bgMu.Unlock()
		s.wg.Wait()
		if err := s.subs.Close(); err != nil {
			s.log.Error().Err(err).Msg("close subscription store")
		}
	})
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/inquiryRoutes/getInquiries", s.handleInquiries)
	mux.HandleFunc("GET /api/inquiryRoutes/getInquiries/{inqno}", s.handleInquiry)
	mux.HandleFunc("GET /api/inquiryRoutes/getNegotiation/{inqno}/{inqitem}", s.handleNegotiation)
	mux.HandleFunc("POST /api/inquiryRoutes/postNegotiation", s.handlePostNegotiation)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/push/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/push/notify", s.handleNotify)
	mux.HandleFunc("GET /api/push/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("GET /api/push/vapidPublicKey", s.handleVAPIDKey)
	return s.withRequestLog(s.withCORS(mux))
}

// ---- responses ----

type okEnvelope struct {
	Status          string     `json:"status"`
	Data            any        `json:"data"`
	ServedFromCache bool       `json:"servedFromCache"`
	CapturedAt      *time.Time `json:"capturedAt,omitempty"`
}

type errorEnvelope struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
}

func payloadData(p Payload) any {
	if p.IsJSON() && json.Valid(p.Body) {
		return json.RawMessage(p.Body)
	}
	return string(p.Body)
}

func (s *Service) writeResult(w http.ResponseWriter, res Result, data any) {
	env := okEnvelope{Status: "ok", Data: data, ServedFromCache: res.ServedFromCache}
	result := "fresh"
	if res.ServedFromCache {
		at := res.CapturedAt.UTC()
		env.CapturedAt = &at
		result = "stale"
	}
	s.stats.ObserveResult(res)
	setGatewayHeaders(w.Header(), result)
	writeJSON(w, http.StatusOK, env)
}

func (s *Service) writePayload(w http.ResponseWriter, p Payload) {
	setGatewayHeaders(w.Header(), "bypass")
	writeJSON(w, http.StatusOK, okEnvelope{Status: "ok", Data: payloadData(p)})
}

func (s *Service) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	s.stats.ObserveFailure()
	status := httpStatusFor(err)
	env := errorEnvelope{Kind: KindOf(err), Message: err.Error()}
	var fe *FetchError
	if errors.As(err, &fe) {
		env.Attempts = fe.Attempts
		if fe.Kind == KindInvalidRequest {
			env.Message = fe.Message
		}
	}
	if status >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	setGatewayHeaders(w.Header(), "error")
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return invalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func setGatewayHeaders(h http.Header, result string) {
	if result != "" {
		h.Set("X-Sapgate", result)
	}
	// Browsers only let JS read custom headers that are explicitly exposed.
	ensureExposedHeader(h, "X-Sapgate")
	ensureExposedHeader(h, "X-Request-Id")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- inquiry handlers ----

func (s *Service) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("API is running"))
}

func (s *Service) handleInquiries(w http.ResponseWriter, r *http.Request) {
	res, err := s.sap.Inquiries(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if r.URL.Query().Get("view") == "normalized" {
		inqs, err := NormalizeInquiries(res.Payload.Body)
		if err != nil {
			s.writeFailure(w, r, &FetchError{Kind: KindUpstreamClient, Message: "unexpected inquiries payload", Err: err})
			return
		}
		s.writeResult(w, res, inqs)
		return
	}
	s.writeResult(w, res, payloadData(res.Payload))
}

func (s *Service) handleInquiry(w http.ResponseWriter, r *http.Request) {
	res, err := s.sap.Inquiry(r.Context(), r.PathValue("inqno"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeResult(w, res, payloadData(res.Payload))
}

func (s *Service) handleNegotiation(w http.ResponseWriter, r *http.Request) {
	res, err := s.sap.Negotiation(r.Context(), r.PathValue("inqno"), r.PathValue("inqitem"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeResult(w, res, payloadData(res.Payload))
}

func (s *Service) handlePostNegotiation(w http.ResponseWriter, r *http.Request) {
	var n Negotiation
	if err := decodeJSON(w, r, &n); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	p, err := s.sap.PostNegotiation(r.Context(), n)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writePayload(w, p)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var lr loginRequest
	if err := decodeJSON(w, r, &lr); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	p, err := s.sap.Login(r.Context(), lr.Username, lr.Password)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info().Str("user", lr.Username).Msg("login succeeded")
	s.notifyAsync(Message{
		Title: "Login Successful 🎉",
		Body:  fmt.Sprintf("User %s logged in successfully.", lr.Username),
	})
	s.writePayload(w, p)
}

// ---- push handlers ----

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub Subscription
	if err := decodeJSON(w, r, &sub); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := sub.Validate(); err != nil {
		s.log.Warn().Msg("invalid subscription object")
		s.writeFailure(w, r, err)
		return
	}
	added, err := s.subs.Add(r.Context(), sub)
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("store subscription: %w", err))
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already subscribed"})
		return
	}
	s.log.Info().Str("endpoint", tail(sub.Endpoint, 20)).Msg("new push subscription")
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Subscribed successfully"})
}

func (s *Service) handleNotify(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil && !errors.Is(err, io.EOF) {
		s.writeFailure(w, r, invalidRequest(fmt.Sprintf("invalid JSON body: %v", err)))
		return
	}
	if msg.Title == "" {
		msg.Title = "Hello!"
	}
	if msg.Body == "" {
		msg.Body = "This is a test push 🔔"
	}
	report, err := s.notifier.NotifyAll(r.Context(), msg)
	if errors.Is(err, ErrPushDisabled) {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Kind: "PushDisabled", Message: err.Error()})
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		NotifyReport
	}{true, report})
}

func (s *Service) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if subs == nil {
		subs = []Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(subs), "subscriptions": subs})
}

func (s *Service) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Push.VAPIDPublicKey == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Kind: "PushDisabled", Message: ErrPushDisabled.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.cfg.Push.VAPIDPublicKey})
}

// notifyAsync fans out in the background without blocking the response.
// When too many fan-outs are already running the message is dropped.
func (s *Service) notifyAsync(msg Message) {
	if !s.notifier.Enabled() {
		return
	}
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		s.log.Warn().Str("title", msg.Title).Msg("service closing, dropping push message")
		return
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.log.Warn().Str("title", msg.Title).Msg("push fan-out backlog full, dropping message")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.notifier.NotifyAll(ctx, msg); err != nil {
			s.log.Error().Err(err).Msg("push send error")
		}
	}()
}

// ---- middleware ----

func (s *Service) withCORS(next http.Handler) http.Handler {
	allowAll := false
	allowed := map[string]struct{}{}
	for _, o := range s.cfg.Server.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Service) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Str("result", rec.Header().Get("X-Sapgate")).
			Msg("request")
	})
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			ev := s.log.Info().
				Int("cached_keys", len(s.gw.cache.Keys())).
				Str("cache_size", formatBytes(uint64(s.gw.cache.TotalSize()))).
				Uint64("fresh", ss.Fresh).
				Uint64("stale", ss.Stale).
				Uint64("failed", ss.Failed).
				Str("resp_min_avg_max", fmt.Sprintf("%s/%s/%s",
					formatBytes(ss.MinRespBytes),
					formatBytes(ss.AvgRespBytes),
					formatBytes(ss.MaxRespBytes)))
			if rss, ok := residentBytes(); ok {
				ev = ev.Str("rss", formatBytes(rss))
			}
			ev.Msg("gateway stats")
		}
	}
}
