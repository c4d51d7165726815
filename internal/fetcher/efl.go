// Package fetcher downloads EFL documents from retail electric provider sites.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/resilience"
)

// EFLFetcher downloads one EFL. Remote failures are reported in the result,
// never as a Go error.
type EFLFetcher interface {
	FetchEFL(ctx context.Context, rawURL string) model.FetchResult
}

// Options configures the HTTP fetcher.
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	MaxBytes      int64
	RatePerSecond float64
	Burst         int
	Retry         resilience.RetryConfig
	Breakers      *resilience.HostBreakers
}

// HTTPFetcher implements EFLFetcher using net/http with per-host rate
// limiting, retry and circuit breaking.
type HTTPFetcher struct {
	client   *http.Client
	opts     Options
	limiters *hostLimiters
	breakers *resilience.HostBreakers
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 15 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; efl-cli/1.0)"
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 4
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewHostBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: newHostLimiters(rate.Limit(opts.RatePerSecond), opts.Burst),
		breakers: breakers,
	}
}

// Breakers exposes the per-host breakers for status reporting.
func (f *HTTPFetcher) Breakers() *resilience.HostBreakers {
	return f.breakers
}

// fetchError is a permanent, document-level failure.
type fetchError struct {
	status int
	msg    string
}

func (e *fetchError) Error() string { return e.msg }

// FetchEFL downloads rawURL and classifies the payload.
func (f *HTTPFetcher) FetchEFL(ctx context.Context, rawURL string) model.FetchResult {
	res := model.FetchResult{URL: rawURL}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.Error = "invalid EFL url"
		return res
	}

	retry := f.opts.Retry
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = resilience.RetryLogger("fetcher", "fetch_efl")

	breaker := f.breakers.For(u.Host)
	out, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (model.FetchResult, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (model.FetchResult, error) {
			return f.fetchOnce(ctx, u)
		})
	})
	if err != nil {
		res.Error = err.Error()
		var fe *fetchError
		if errors.As(err, &fe) {
			res.StatusCode = fe.status
			res.Error = fe.msg
		}
		var te *resilience.TransientError
		if errors.As(err, &te) {
			res.StatusCode = te.StatusCode
		}
		zap.L().Warn("fetcher: EFL fetch failed",
			zap.String("efl_url", rawURL),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Error),
		)
		return res
	}
	out.URL = rawURL
	return out
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, u *url.URL) (model.FetchResult, error) {
	lim := f.limiters.forURL(u)
	if err := lim.Wait(ctx); err != nil {
		return model.FetchResult{}, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.FetchResult{}, &fetchError{msg: "invalid EFL url"}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/pdf,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return model.FetchResult{}, resilience.NewTransientError(eris.Wrap(err, "http request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit(u.Host)
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return model.FetchResult{}, resilience.NewTransientError(
			eris.Errorf("http %d from %s", resp.StatusCode, u.Host), resp.StatusCode)
	}
	if resp.StatusCode == http.StatusForbidden {
		return model.FetchResult{}, &fetchError{status: resp.StatusCode, msg: "blocked (403): the host refused the request"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.FetchResult{}, &fetchError{status: resp.StatusCode, msg: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return model.FetchResult{}, resilience.NewTransientError(eris.Wrap(err, "read body"), resp.StatusCode)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return model.FetchResult{}, &fetchError{
			status: resp.StatusCode,
			msg:    fmt.Sprintf("document exceeds %d bytes", f.opts.MaxBytes),
		}
	}
	lim.OnSuccess()

	return classify(resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

var pdfMagic = []byte("%PDF-")

// wafMarkers are phrases found on bot-challenge and block pages.
var wafMarkers = []string{
	"attention required",
	"access denied",
	"request unsuccessful",
	"incapsula",
	"captcha",
	"cf-chl",
	"are you a robot",
	"request blocked",
}

// classify decides whether body is a usable EFL.
func classify(status int, contentType string, body []byte) (model.FetchResult, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	res := model.FetchResult{StatusCode: status, ContentType: mediaType}

	trimmed := bytes.TrimLeft(body, " \t\r\n\ufeff")
	switch {
	case bytes.HasPrefix(trimmed, pdfMagic):
		res.OK = true
		res.Bytes = body
		res.ContentType = "application/pdf"
		return res, nil
	case mediaType == "application/pdf":
		return res, &fetchError{status: status, msg: "content-type is application/pdf but the body is not a PDF"}
	case len(trimmed) == 0:
		return res, &fetchError{status: status, msg: "empty response body"}
	case mediaType == "text/html" || looksLikeHTML(trimmed):
		lower := strings.ToLower(string(trimmed[:min(len(trimmed), 8192)]))
		for _, m := range wafMarkers {
			if strings.Contains(lower, m) {
				return res, &fetchError{status: status, msg: "blocked by WAF or bot challenge page"}
			}
		}
		return res, &fetchError{status: status, msg: "received an HTML page, not a PDF"}
	case mediaType == "text/plain":
		res.OK = true
		res.Text = string(body)
		return res, nil
	default:
		return res, &fetchError{status: status, msg: fmt.Sprintf("unsupported content type %q", mediaType)}
	}
}

func looksLikeHTML(b []byte) bool {
	head := strings.ToLower(string(b[:min(len(b), 512)]))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<head") || strings.Contains(head, "<body")
}
