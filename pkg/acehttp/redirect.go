package acehttp

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/loveace/acelink/pkg/jar"
)

// DefaultMaxRedirects is the maximum number of redirect hops followed per request.
const DefaultMaxRedirects = 8

var (
	// ErrTooManyRedirects is returned when a redirect chain exceeds the configured max hops.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrCrossProtocolRedirect is returned when a redirect leaves http/https.
	ErrCrossProtocolRedirect = errors.New("cross-protocol redirect not supported")

	// ErrNotRedirect is returned by NextHop for a response that is not a followable redirect.
	ErrNotRedirect = errors.New("response is not a redirect")
)

// IsRedirect reports whether status is one of the redirect codes the
// follower chases.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// isHTTPScheme returns true if the scheme is http or https.
func isHTTPScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

// credentialHeaders are dropped when a hop changes host. Everything else,
// including Content-Type, travels with the preserved body.
var credentialHeaders = []string{"Authorization", "Proxy-Authorization"}

// ResolveLocation resolves a Location header value against the URL of the
// request that received it. Absolute URLs, absolute paths and relative
// paths are supported.
func ResolveLocation(base *url.URL, location string) (*url.URL, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: empty Location header", ErrNotRedirect)
	}
	target, err := base.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid Location %q: %w", location, err)
	}
	if !isHTTPScheme(target.Scheme) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrCrossProtocolRedirect, base.Scheme, target.Scheme)
	}
	return target, nil
}

// NextHop builds the request for the redirect in resp, which answered prev.
// The method and body of prev are preserved for every redirect status,
// including 302 and 303, because the CAS flow depends on it. The Cookie
// header is recomputed from j for the new host and path.
func NextHop(resp *Response, prev *Request, j *jar.Jar) (*Request, error) {
	if !IsRedirect(resp.StatusCode) {
		return nil, fmt.Errorf("%w: status %d", ErrNotRedirect, resp.StatusCode)
	}
	target, err := ResolveLocation(prev.URL, resp.Location())
	if err != nil {
		return nil, err
	}

	next := prev.Clone()
	next.URL = target
	next.Header.Del("Cookie")
	if prev.URL.Host != target.Host {
		for _, h := range credentialHeaders {
			next.Header.Del(h)
		}
	}
	if j != nil {
		if cookie := j.Header(target); cookie != "" {
			next.Header.Set("Cookie", cookie)
		}
	}
	return next, nil
}
