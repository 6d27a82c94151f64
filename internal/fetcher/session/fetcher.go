// Package session implements the two-step warm-up fetch against the permit endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/detector"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
)

// Config controls the session protocol.
type Config struct {
	BaseURL        string
	KeyParam       string
	UserAgent      string
	Headers        map[string]string
	Charset        string
	RequestTimeout time.Duration
	WarmupDelay    time.Duration
	WarmupJitter   time.Duration
	ExtraWarmups   int
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Fetcher implements crawler.Fetcher with one fresh cookie session per attempt.
type Fetcher struct {
	cfg        Config
	base       *url.URL
	transport  http.RoundTripper
	classifier *detector.Classifier
	retry      crawler.RetryPolicy
	pauser     crawler.Pauser
	encoding   encoding.Encoding
	logger     *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTransport overrides the shared HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// WithRetryPolicy overrides the retry policy derived from Config.
func WithRetryPolicy(p crawler.RetryPolicy) Option {
	return func(f *Fetcher) { f.retry = p }
}

// WithPauser overrides how warm-up and backoff delays are slept.
func WithPauser(p crawler.Pauser) Option {
	return func(f *Fetcher) { f.pauser = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page is one raw endpoint response.
type page struct {
	status int
	body   []byte
}

// session is one collector with its own cookie jar.
type session struct {
	collector *colly.Collector
	resp      page
	err       error
}

// New builds a Fetcher.
func New(cfg Config, classifier *detector.Classifier, opts ...Option) (*Fetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.KeyParam == "" {
		return nil, errors.New("key param is required")
	}
	charset := cfg.Charset
	if charset == "" {
		charset = "big5"
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if classifier == nil {
		classifier = detector.NewClassifier(detector.DefaultMarkers(), 0)
	}
	f := &Fetcher{
		cfg:        cfg,
		base:       base,
		transport:  newHTTPTransport(),
		classifier: classifier,
		retry:      crawler.NewExponentialRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		pauser:     crawler.TimerPauser{},
		encoding:   enc,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch retrieves one key, retrying transient failures with backoff.
func (f *Fetcher) Fetch(ctx context.Context, key crawler.Key) crawler.Outcome {
	start := time.Now()
	indexKey, err := key.Encode()
	if err != nil {
		return crawler.TransientFailure("encode key: %v", err)
	}
	target := f.KeyURL(indexKey)
	ctx, span := telemetry.Tracer("fetcher").Start(ctx, "permit.fetch",
		trace.WithAttributes(attribute.String("permit.key", indexKey)))
	defer span.End()

	var (
		out      crawler.Outcome
		requests int
	)
	for attempt := 1; ; attempt++ {
		out = f.attempt(ctx, target)
		requests += out.Requests
		if ctx.Err() != nil {
			out = crawler.TransientFailure("fetch canceled: %v", ctx.Err())
			break
		}
		if !f.retry.ShouldRetry(out, attempt) {
			break
		}
		f.logger.Debug("retrying key",
			zap.String("key", indexKey),
			zap.Int("attempt", attempt),
			zap.String("reason", out.Reason),
		)
		if err := f.pauser.Pause(ctx, f.retry.Backoff(attempt)); err != nil {
			out = crawler.TransientFailure("fetch canceled: %v", err)
			break
		}
	}
	out.Requests = requests
	out.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("permit.outcome", string(out.Kind)),
		attribute.Int("permit.requests", requests),
	)
	if out.Kind == crawler.OutcomeTransientFailure {
		span.SetStatus(codes.Error, out.Reason)
	}
	return out
}

// KeyURL returns the endpoint URL for an encoded key.
func (f *Fetcher) KeyURL(indexKey string) string {
	u := *f.base
	q := u.Query()
	q.Set(f.cfg.KeyParam, indexKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// attempt runs warm-up, real request and optional extra warm-ups on one session.
func (f *Fetcher) attempt(ctx context.Context, target string) crawler.Outcome {
	s := f.newSession()
	requests := 0
	fail := func(format string, args ...any) crawler.Outcome {
		out := crawler.TransientFailure(format, args...)
		out.Requests = requests
		return out
	}

	requests++
	if _, err := f.visit(ctx, s, target); err != nil {
		return fail("warm-up: %v", err)
	}

	var (
		resp page
		body []byte
	)
	for extra := 0; ; extra++ {
		if err := f.pauser.Pause(ctx, f.cfg.WarmupDelay+crawler.Jitter(f.cfg.WarmupJitter)); err != nil {
			return fail("canceled: %v", err)
		}
		requests++
		var err error
		resp, err = f.visit(ctx, s, target)
		if err != nil {
			return fail("request: %v", err)
		}
		body, err = f.decode(resp.body)
		if err != nil {
			return fail("%v", err)
		}
		if extra >= f.cfg.ExtraWarmups || resp.status != http.StatusOK || !f.classifier.IsLanding(body) {
			break
		}
		f.logger.Debug("landing page after warm-up, retrying on same session", zap.String("url", target))
	}

	out := f.classifier.Classify(resp.status, body)
	out.Requests = requests
	return out
}

func (f *Fetcher) newSession() *session {
	// A new collector gets its own cookie jar; Clone would share the parent's.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.WithTransport(f.transport)
	c.SetRequestTimeout(f.cfg.RequestTimeout)
	s := &session{collector: c}
	f.configureCollectorHooks(c, s)
	return s
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, s *session) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range f.cfg.Headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		s.resp = page{status: r.StatusCode, body: append([]byte(nil), r.Body...)}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			s.resp = page{status: r.StatusCode, body: append([]byte(nil), r.Body...)}
		}
		s.err = err
	})
}

// visit performs one physical request. A non-2xx status is a response, not an error.
func (f *Fetcher) visit(ctx context.Context, s *session, target string) (page, error) {
	s.resp, s.err = page{}, nil
	done := make(chan error, 1)
	go func() {
		done <- s.collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("session request canceled: %w", ctx.Err())
	case err := <-done:
		resp := s.resp
		metrics.ObserveEndpointRequest(resp.status)
		if resp.status != 0 {
			return resp, nil
		}
		if err == nil {
			err = s.err
		}
		if err == nil {
			err = errors.New("no response")
		}
		return page{}, fmt.Errorf("session request failed: %w", err)
	}
}

// decode converts the body to UTF-8. Bodies already valid as UTF-8 were
// converted by colly from a declared charset and are kept as is.
func (f *Fetcher) decode(body []byte) ([]byte, error) {
	if utf8.Valid(body) {
		return body, nil
	}
	out, err := f.encoding.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
