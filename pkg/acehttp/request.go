// Package acehttp is the session transport for the campus VPN reverse proxy.
//
// It never lets net/http follow redirects: every hop is rebuilt by NextHop
// so the Cookie header can be recomputed from the shared jar for the new
// host, and every hop's response is inspected by a Guard that recognizes
// the page the proxy injects when the tunnel session has expired.
package acehttp

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is a replayable request: the body is kept in memory so it can be
// resent on every redirect hop and once more after a silent reauth.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// NoRedirect returns 3xx responses to the caller instead of following
	// them. Responses are still inspected by the guard.
	NoRedirect bool
}

// NewRequest builds a Request for rawURL.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}, nil
}

// NewFormRequest builds a form-encoded POST for rawURL.
func NewFormRequest(rawURL string, form url.Values) (*Request, error) {
	r, err := NewRequest(http.MethodPost, rawURL, []byte(form.Encode()))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r, nil
}

// Clone returns a deep copy of r. The body bytes are shared, they are never
// mutated.
func (r *Request) Clone() *Request {
	c := *r
	u := *r.URL
	c.URL = &u
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return &c
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// URL is the URL of the request that produced this response, i.e. the
	// final resolved URL after any redirects.
	URL *url.URL
	// Request is the hop that produced this response.
	Request *Request
	// Redirects is how many redirects were followed to reach this response.
	Redirects int
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Location returns the raw Location header.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Contains reports whether the body contains s.
func (r *Response) Contains(s string) bool {
	return strings.Contains(string(r.Body), s)
}
