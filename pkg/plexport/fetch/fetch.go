// Package fetch downloads a single asset: a direct HTTP GET first, the
// relay when the direct request fails, and exponential backoff between
// attempts.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/jamesainslie/plexport/pkg/plexport/logging"
)

var (
	// ErrExhausted wraps the last failure once every attempt was used.
	ErrExhausted = errors.New("download attempts exhausted")

	// ErrHTTPStatus is returned for non-2xx responses.
	ErrHTTPStatus = errors.New("unexpected HTTP status")
)

// Source says which path produced the bytes.
type Source string

const (
	SourceDirect Source = "direct"
	SourceRelay  Source = "relay"
)

// Relay fetches a URL on the exporter's behalf.
type Relay interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ProgressFunc receives byte counts while a direct download streams.
// total is -1 when the server sent no length.
type ProgressFunc func(received, total int64)

// Policy controls retries. Attempt n (0-based) waits BaseDelay*2^n, capped
// at MaxDelay, before attempt n+1.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is three attempts starting at one second, capped at ten.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Result is a successful download.
type Result struct {
	Data     []byte
	Source   Source
	Attempts int
}

// Fetcher downloads assets. It is safe for concurrent use.
type Fetcher struct {
	http   *resty.Client
	relay  Relay
	policy Policy
	log    *logging.Logger

	onRetry func(attempt int, wait time.Duration)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the resty client used for direct requests.
func WithHTTPClient(c *resty.Client) Option {
	return func(f *Fetcher) { f.http = c }
}

// New creates a Fetcher. relay may be nil.
func New(relay Relay, policy Policy, opts ...Option) *Fetcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	f := &Fetcher{
		http:   resty.New().SetTimeout(2 * time.Minute),
		relay:  relay,
		policy: policy,
		log:    logging.Get("fetch"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads url. Each attempt tries the direct path, then the relay.
// Context errors are returned unwrapped and stop retrying immediately.
func (f *Fetcher) Fetch(ctx context.Context, url string, onProgress ProgressFunc) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = f.policy.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.policy.MaxAttempts-1)), ctx)

	var (
		result   *Result
		attempts int
	)
	op := func() error {
		attempts++
		data, src, err := f.attempt(ctx, url, onProgress)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		result = &Result{Data: data, Source: src, Attempts: attempts}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		f.log.Debug("fetch attempt failed", "url", url, "attempt", attempts, "retry_in", wait, "error", err)
		if f.onRetry != nil {
			f.onRetry(attempts, wait)
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
	return result, nil
}

func (f *Fetcher) attempt(ctx context.Context, url string, onProgress ProgressFunc) ([]byte, Source, error) {
	data, err := f.direct(ctx, url, onProgress)
	if err == nil {
		return data, SourceDirect, nil
	}
	if ctx.Err() != nil || f.relay == nil {
		return nil, "", err
	}

	f.log.Debug("direct fetch failed, using relay", "url", url, "error", err)
	data, relayErr := f.relay.Fetch(ctx, url)
	if relayErr != nil {
		return nil, "", fmt.Errorf("direct: %w; relay: %w", err, relayErr)
	}
	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}
	return data, SourceRelay, nil
}

func (f *Fetcher) direct(ctx context.Context, url string, onProgress ProgressFunc) ([]byte, error) {
	resp, err := f.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		_, _ = io.Copy(io.Discard, body)
		return nil, fmt.Errorf("%w: %s", ErrHTTPStatus, resp.Status())
	}

	total := int64(-1)
	if resp.RawResponse != nil {
		total = resp.RawResponse.ContentLength
	}

	var buf bytes.Buffer
	buf.Grow(growHint(total))
	var dst io.Writer = &buf
	if onProgress != nil {
		dst = &progressWriter{w: &buf, total: total, fn: onProgress}
	}
	if _, err := io.Copy(dst, body); err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return buf.Bytes(), nil
}

// maxGrowHint caps how much an advertised Content-Length may preallocate.
const maxGrowHint = 64 << 20

func growHint(contentLength int64) int {
	if contentLength <= 0 {
		return 0
	}
	return int(min(contentLength, maxGrowHint))
}

type progressWriter struct {
	w        io.Writer
	received int64
	total    int64
	fn       ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.received += int64(n)
	p.fn(p.received, p.total)
	return n, err
}
