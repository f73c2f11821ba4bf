package acehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/loveace/acelink/pkg/jar"
	"github.com/loveace/acelink/pkg/logger"
)

const (
	// DefaultTimeout bounds every single network call (one hop).
	DefaultTimeout = 60 * time.Second
	// DefaultUserAgent is sent when the request carries none.
	DefaultUserAgent = "Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Mobile Safari/537.36"
	// maxBodySize caps how much of a response body is read into memory.
	maxBodySize = 16 << 20
)

var (
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNetwork wraps transport-level failures, including timeouts.
	ErrNetwork = errors.New("network error")
)

// ClientOptions configures a Client. Zero values select the defaults.
type ClientOptions struct {
	// HTTPClient performs single hops. Its redirect policy is overridden.
	HTTPClient *http.Client
	// Jar is required; it is shared by every hop.
	Jar *jar.Jar
	// Guard inspects every hop. Nil disables tunnel expiry handling.
	Guard *Guard
	// Timeout bounds each network call. Default 60s.
	Timeout time.Duration
	// MaxRedirects bounds redirect hops per request. Default 8.
	MaxRedirects int
	// Limiter throttles outbound hops. Nil means unlimited.
	Limiter *rate.Limiter
	// UserAgent is set on requests that carry none.
	UserAgent string
	Logger    logger.Logger
}

// Client sends Requests hop by hop, keeping the jar current and consulting
// the guard after every response.
type Client struct {
	http         *http.Client
	jar          *jar.Jar
	guard        *Guard
	timeout      time.Duration
	maxRedirects int
	limiter      *rate.Limiter
	userAgent    string
	log          logger.Logger

	closed atomic.Bool
	done   context.Context
	cancel context.CancelFunc
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Jar == nil {
		return nil, errors.New("acehttp: ClientOptions.Jar is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	} else {
		cp := *hc
		hc = &cp
	}
	hc.CheckRedirect = noFollow
	hc.Jar = nil

	c := &Client{
		http:         hc,
		jar:          opts.Jar,
		guard:        opts.Guard,
		timeout:      opts.Timeout,
		maxRedirects: opts.MaxRedirects,
		limiter:      opts.Limiter,
		userAgent:    opts.UserAgent,
		log:          opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = DefaultMaxRedirects
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.log == nil {
		c.log = logger.NewNopLogger()
	}
	c.done, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func noFollow(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Jar returns the client's cookie jar.
func (c *Client) Jar() *jar.Jar {
	return c.jar
}

// Guard returns the client's guard, which may be nil.
func (c *Client) Guard() *Guard {
	return c.guard
}

// Get issues a GET for rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// PostForm issues a form-encoded POST for rawURL.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	req, err := NewFormRequest(rawURL, form)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// tunnelDetected aborts a redirect chain when the guard matched.
type tunnelDetected struct {
	reason DetectReason
}

func (t *tunnelDetected) Error() string {
	return "tunnel expiry detected: " + t.reason.String()
}

// Do sends req, following redirects. When the guard detects tunnel expiry
// it runs the silent reauthentication and reissues req once; the response
// that triggered detection is never returned. With a context marked by
// WithoutGuard the detecting response is returned as an ordinary response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var startGen uint64
	if c.guard != nil {
		startGen = c.guard.Generation()
	}

	resp, err := c.follow(ctx, req.Clone())
	var td *tunnelDetected
	if !errors.As(err, &td) {
		return resp, err
	}

	return c.guard.Recover(ctx, startGen, td.reason, func(ctx context.Context) (*Response, error) {
		resp, err := c.follow(ctx, req.Clone())
		if errors.As(err, &td) {
			return nil, fmt.Errorf("%w: still expired after reauthentication (%s)", ErrTunnelSessionExpired, td.reason)
		}
		return resp, err
	})
}

// follow sends req and chases redirects up to maxRedirects. The (n+1)-th
// redirect fails with ErrTooManyRedirects.
func (c *Client) follow(ctx context.Context, req *Request) (*Response, error) {
	guarded := c.guard != nil && !guardSuppressed(ctx)
	cur := req
	for hops := 0; ; {
		resp, err := c.send(ctx, cur)
		if err != nil {
			return nil, err
		}
		resp.Redirects = hops

		if guarded {
			if reason := c.guard.Detect(resp); reason != NotDetected {
				c.log.Debug("%s %s: %s", cur.Method, cur.URL.Host, reason)
				return resp, &tunnelDetected{reason: reason}
			}
		}

		if cur.NoRedirect || !IsRedirect(resp.StatusCode) || resp.Location() == "" {
			return resp, nil
		}
		if hops >= c.maxRedirects {
			return nil, fmt.Errorf("%w: exceeded %d hops (last URL: %s)", ErrTooManyRedirects, c.maxRedirects, cur.URL.Redacted())
		}
		next, err := NextHop(resp, cur, c.jar)
		if err != nil {
			return nil, err
		}
		hops++
		c.log.Debug("redirect %d: %d %s -> %s", hops, resp.StatusCode, cur.URL.Host, next.URL.Host)
		cur = next
	}
}

// send performs exactly one network call.
func (c *Client) send(ctx context.Context, r *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrNetwork, err)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(c.done, cancel)
	defer stop()

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	hreq, err := http.NewRequestWithContext(cctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Cookie") {
			continue
		}
		hreq.Header[k] = append([]string(nil), vs...)
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", c.userAgent)
	}
	if cookie := mergeCookieHeader(r.Header.Get("Cookie"), c.jar.CookiesForURL(r.URL)); cookie != "" {
		hreq.Header.Set("Cookie", cookie)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, r.Method, r.URL.Host, err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrNetwork, r.URL.Host, err)
	}

	c.jar.StoreResponse(r.URL, hresp.Header)
	c.log.Debug("%s %s%s -> %d", r.Method, r.URL.Host, r.URL.Path, hresp.StatusCode)

	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       data,
		URL:        r.URL,
		Request:    r,
	}, nil
}

// mergeCookieHeader appends jar cookies whose names the explicit header
// does not already carry.
func mergeCookieHeader(explicit string, cookies []jar.Cookie) string {
	seen := make(map[string]bool)
	var parts []string
	for _, p := range strings.Split(explicit, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, _, _ := strings.Cut(p, "=")
		seen[name] = true
		parts = append(parts, p)
	}
	for _, ck := range cookies {
		if seen[ck.Name] {
			continue
		}
		seen[ck.Name] = true
		parts = append(parts, ck.String())
	}
	return strings.Join(parts, "; ")
}

// Close releases idle connections and makes every later call fail with
// ErrClosed. In-flight calls are canceled. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.http.CloseIdleConnections()
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}
