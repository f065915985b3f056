package ics

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxBodyBytes        = 16 << 20
	userAgent           = "mirrorcal/1.0"
)

// validators holds HTTP cache validators for a single feed URL.
type validators struct {
	ETag         string
	LastModified string
}

// Fetcher downloads calendar documents. It remembers ETag / Last-Modified
// per URL in memory and issues conditional requests.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]validators
}

type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithRateLimit caps outbound requests across all feeds. perSecond <= 0
// disables the limit.
func WithRateLimit(perSecond float64, burst int) FetcherOption {
	return func(f *Fetcher) {
		if perSecond <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(timeout time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	f := &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		cache: make(map[string]validators),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the calendar document for sub as text.
//
//   - webcal:// is rewritten to https:// before the request.
//   - basic / bearer credentials become an Authorization header.
//   - 2xx returns the body; 304 returns ErrNotModified; any other status
//     returns *FetchError with Kind FetchErrorStatus.
//   - network, DNS and timeout failures return *FetchError with Kind
//     FetchErrorTransport.
func (f *Fetcher) Fetch(ctx context.Context, sub model.Subscription) (string, error) {
	target, err := NormalizeURL(sub.URL)
	if err != nil {
		return "", err
	}
	redacted := redactURL(target)

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", &FetchError{Kind: FetchErrorTransport, URL: redacted, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if h := authorizationHeader(sub.Auth); h != "" {
		req.Header.Set("Authorization", h)
	}

	// Conditional headers from remembered validators.
	meta := f.validatorsFor(sub.URL)
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	appLog.Debug("ics fetch start", "url", redacted)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{Kind: FetchErrorTransport, URL: redacted, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		appLog.Debug("ics fetch not modified", "url", redacted)
		return "", ErrNotModified

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil {
			return "", &FetchError{Kind: FetchErrorTransport, URL: redacted, Err: readErr}
		}

		f.remember(sub.URL, validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		})

		appLog.Debug("ics fetch success", "url", redacted, "status", resp.StatusCode, "bytes", len(body))
		return string(body), nil

	default:
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &FetchError{Kind: FetchErrorStatus, URL: redacted, StatusCode: resp.StatusCode}
	}
}

// Forget drops the remembered validators for rawURL so the next fetch is
// unconditional.
func (f *Fetcher) Forget(rawURL string) {
	f.mu.Lock()
	delete(f.cache, rawURL)
	f.mu.Unlock()
}

func (f *Fetcher) validatorsFor(rawURL string) validators {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[rawURL]
}

func (f *Fetcher) remember(rawURL string, v validators) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.ETag == "" && v.LastModified == "" {
		delete(f.cache, rawURL)
		return
	}
	f.cache[rawURL] = v
}

// NormalizeURL validates raw and rewrites the webcal scheme to https.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("ics: subscription URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("ics: invalid subscription URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("ics: subscription URL %q must be absolute", redactURL(raw))
	}
	if strings.EqualFold(u.Scheme, "webcal") {
		u.Scheme = "https"
	}
	return u.String(), nil
}

func authorizationHeader(a *model.Auth) string {
	if a == nil {
		return ""
	}
	switch a.Method {
	case model.AuthBasic:
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(a.User+":"+a.Pass))
	case model.AuthBearer:
		return "Bearer " + a.Token
	default:
		return ""
	}
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
// Published calendar links carry their secret in the path, so only the
// scheme and host are kept:
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	host := u[:j]
	// Strip userinfo.
	if at := strings.LastIndex(host[i:], "@"); at >= 0 {
		host = u[:i] + host[i+at+1:]
	}
	return host + redactedSuffix
}

// RedactURL is the exported form of redactURL for other packages' logs.
func RedactURL(u string) string {
	return redactURL(u)
}
