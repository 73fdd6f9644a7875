package imageurl

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phaseforge/internal/cache"
	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
)

const (
	DefaultBatchSize = 5
	DefaultTimeout   = 5 * time.Second
	DefaultRecentTTL = time.Hour
)

// Result is the verdict for one URL. AlternativeURL is set whenever IsValid
// is false.
type Result struct {
	URL            string `json:"url"`
	IsValid        bool   `json:"isValid"`
	StatusCode     int    `json:"statusCode,omitempty"`
	Error          string `json:"error,omitempty"`
	AlternativeURL string `json:"alternativeUrl,omitempty"`
}

// ResultCache persists verdicts between validations.
type ResultCache interface {
	Lookup(ctx context.Context, url string) (cache.ImageCheck, bool)
	Store(ctx context.Context, check cache.ImageCheck) error
}

// Options configures a Validator.
type Options struct {
	BatchSize int
	Timeout   time.Duration
	Client    *http.Client
	Cache     ResultCache
	Logger    *zap.Logger

	// RecentTTL bounds how long a verdict is remembered in process.
	RecentTTL time.Duration
}

// Validator checks image URLs with HEAD requests in bounded batches.
type Validator struct {
	client    *http.Client
	batchSize int
	timeout   time.Duration
	cache     ResultCache
	logger    *zap.Logger

	mu        sync.Mutex
	recent    map[string]recentCheck
	recentTTL time.Duration
	now       func() time.Time
}

type recentCheck struct {
	result  Result
	expires time.Time
}

// NewValidator creates a Validator with defaults for zero options.
func NewValidator(opts Options) *Validator {
	v := &Validator{
		client:    opts.Client,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		cache:     opts.Cache,
		logger:    logging.OrNamed(opts.Logger, "imageurl"),
		recent:    make(map[string]recentCheck),
		recentTTL: opts.RecentTTL,
		now:       time.Now,
	}
	if v.client == nil {
		v.client = &http.Client{}
	}
	if v.batchSize <= 0 {
		v.batchSize = DefaultBatchSize
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.recentTTL <= 0 {
		v.recentTTL = DefaultRecentTTL
	}
	return v
}

// Validate checks urls and returns one result per input, in input order.
// Placeholder URLs are trusted without a request. Requests run batchSize at a
// time and each is bounded by the per-request timeout.
func (v *Validator) Validate(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	var pending []int
	for i, u := range urls {
		if r, ok := v.known(ctx, u); ok {
			results[i] = r
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += v.batchSize {
		end := min(start+v.batchSize, len(pending))
		var g errgroup.Group
		for _, idx := range pending[start:end] {
			idx := idx // per-iteration copy; go.mod targets go1.21 loop semantics
			g.Go(func() error {
				results[idx] = v.check(ctx, urls[idx])
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			for _, idx := range pending[end:] {
				results[idx] = broken(urls[idx], 0, ctx.Err())
			}
			break
		}
	}
	return results
}

// Broken returns only the invalid results of Validate.
func (v *Validator) Broken(ctx context.Context, urls []string) []Result {
	var out []Result
	for _, r := range v.Validate(ctx, urls) {
		if !r.IsValid {
			out = append(out, r)
		}
	}
	return out
}

func (v *Validator) known(ctx context.Context, u string) (Result, bool) {
	if IsPlaceholder(u) {
		return Result{URL: u, IsValid: true}, true
	}
	v.mu.Lock()
	rc, ok := v.recent[u]
	if ok && !v.now().Before(rc.expires) {
		delete(v.recent, u)
		ok = false
	}
	v.mu.Unlock()
	if ok {
		metrics.Get().ImageChecksTotal.WithLabelValues("cached").Inc()
		return rc.result, true
	}
	if v.cache == nil {
		return Result{}, false
	}
	c, ok := v.cache.Lookup(ctx, u)
	if !ok {
		return Result{}, false
	}
	metrics.Get().ImageChecksTotal.WithLabelValues("cached").Inc()
	if c.Valid {
		return Result{URL: u, IsValid: true, StatusCode: c.StatusCode}, true
	}
	return Result{URL: u, StatusCode: c.StatusCode, Error: c.Error, AlternativeURL: AlternativeURL(u)}, true
}

func (v *Validator) check(ctx context.Context, u string) Result {
	status, err := v.head(ctx, u)
	if status == http.StatusMethodNotAllowed {
		status, err = v.get(ctx, u)
	}

	var r Result
	label := "valid"
	switch {
	case err != nil:
		r = broken(u, 0, err)
		label = "broken"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			label = "timeout"
		}
	case status >= 400:
		r = broken(u, status, nil)
		label = "broken"
	default:
		r = Result{URL: u, IsValid: true, StatusCode: status}
	}
	metrics.Get().ImageChecksTotal.WithLabelValues(label).Inc()
	if !r.IsValid {
		v.logger.Debug("image url broken", zap.String("url", u), zap.Int("status", status), zap.Error(err))
	}

	// A check cut short by the caller says nothing about the URL.
	if ctx.Err() != nil {
		return r
	}
	v.mu.Lock()
	v.recent[u] = recentCheck{result: r, expires: v.now().Add(v.recentTTL)}
	v.mu.Unlock()
	if v.cache != nil {
		if cerr := v.cache.Store(ctx, cache.ImageCheck{URL: u, Valid: r.IsValid, StatusCode: status, Error: r.Error}); cerr != nil {
			v.logger.Debug("image check not cached", zap.Error(cerr))
		}
	}
	return r
}

func (v *Validator) head(ctx context.Context, u string) (int, error) {
	return v.do(ctx, http.MethodHead, u)
}

// get is the fallback for hosts that refuse HEAD.
func (v *Validator) get(ctx context.Context, u string) (int, error) {
	return v.do(ctx, http.MethodGet, u)
}

func (v *Validator) do(ctx context.Context, method, u string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func broken(u string, status int, err error) Result {
	r := Result{URL: u, StatusCode: status, AlternativeURL: AlternativeURL(u)}
	if err != nil {
		r.Error = err.Error()
	} else {
		r.Error = http.StatusText(status)
	}
	return r
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout() || strings.Contains(err.Error(), "deadline exceeded")
}
