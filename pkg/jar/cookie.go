// Package jar implements the session cookie store shared by every backend
// subsystem behind the VPN reverse proxy.
//
// The store is deliberately not an RFC 6265 jar: a cookie that arrives
// without a Domain attribute from any host under the proxy's shared suffix
// is widened to the whole suffix, because single sign-on between the
// proxied subsystems depends on it.
package jar

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedCookie is returned when a Set-Cookie value has no name=value pair.
var ErrMalformedCookie = errors.New("malformed set-cookie header")

// Cookie is a single stored cookie.
// Value is SENSITIVE: it must never be logged or put into error messages.
type Cookie struct {
	// Name is the cookie name; together with Path it identifies the cookie
	// inside a domain key.
	Name string `json:"name"`
	// Value is the cookie value. SENSITIVE, never log.
	Value string `json:"value"`
	// Domain is the lowercase domain. A leading dot shares the cookie with
	// every subdomain; without it the cookie is bound to that exact host.
	Domain string `json:"domain"`
	// Path is the path prefix the cookie applies to, "/" by default.
	Path string `json:"path"`
	// Expires is the absolute expiry. The zero value is a session cookie.
	Expires time.Time `json:"expires,omitempty"`
	// HttpOnly mirrors the attribute; it has no effect on matching.
	HttpOnly bool `json:"http_only,omitempty"`
	// Secure restricts the cookie to https requests in CookiesForURL.
	Secure bool `json:"secure,omitempty"`

	seq uint64
}

// IsExpired reports whether now is strictly after the cookie's expiry.
// Session cookies never expire.
func (c *Cookie) IsExpired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

// Matches reports whether the cookie should be sent to host/path at time now.
func (c *Cookie) Matches(host, path string, now time.Time) bool {
	if c.IsExpired(now) {
		return false
	}
	return domainMatch(c.Domain, normalizeHost(host)) && pathMatch(c.Path, normalizePath(path))
}

// String renders the cookie as it appears in a Cookie request header.
func (c *Cookie) String() string {
	return c.Name + "=" + c.Value
}

// domainMatch applies the leading-dot rule: ".a.b" matches "a.b" and any
// host ending in ".a.b"; "a.b" matches only "a.b".
func domainMatch(domain, host string) bool {
	if domain == "" {
		return false
	}
	if strings.HasPrefix(domain, ".") {
		return host == domain[1:] || strings.HasSuffix(host, domain)
	}
	return host == domain
}

func pathMatch(cookiePath, reqPath string) bool {
	if cookiePath == "" {
		cookiePath = "/"
	}
	return strings.HasPrefix(reqPath, cookiePath)
}

// setCookie is the parsed form of one Set-Cookie header before the domain
// has been resolved against the request host.
type setCookie struct {
	cookie    Cookie
	hasDomain bool
	maxAge    *int
}

// cookieTimeLayouts are accepted in addition to http.ParseTime's layouts.
var cookieTimeLayouts = []string{
	"Mon, 02-Jan-2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 02-Jan-06 15:04:05 MST",
}

func parseExpires(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if t, err := http.ParseTime(v); err == nil {
		return t, true
	}
	for _, layout := range cookieTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseSetCookie splits raw on ';', takes the first name=value pair as the
// cookie identity and scans the remaining attributes case-insensitively.
// Unknown attributes and unparsable dates are ignored.
func parseSetCookie(raw string) (setCookie, error) {
	parts := strings.Split(raw, ";")
	name, value, ok := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return setCookie{}, ErrMalformedCookie
	}

	sc := setCookie{cookie: Cookie{
		Name:  name,
		Value: strings.Trim(strings.TrimSpace(value), `"`),
		Path:  "/",
	}}

	for _, attr := range parts[1:] {
		key, val, _ := strings.Cut(attr, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "domain":
			d := strings.ToLower(strings.TrimSuffix(val, "."))
			if d == "" || d == "." {
				continue
			}
			if !strings.HasPrefix(d, ".") {
				d = "." + d
			}
			sc.cookie.Domain = d
			sc.hasDomain = true
		case "path":
			if strings.HasPrefix(val, "/") {
				sc.cookie.Path = val
			}
		case "expires":
			if t, ok := parseExpires(val); ok {
				sc.cookie.Expires = t
			}
		case "max-age":
			if n, err := strconv.Atoi(val); err == nil {
				sc.maxAge = &n
			}
		case "httponly":
			sc.cookie.HttpOnly = true
		case "secure":
			sc.cookie.Secure = true
		}
	}
	return sc, nil
}

// ParseSetCookie parses a single Set-Cookie header value as received from
// host. now anchors Max-Age. A cookie without a Domain attribute from a host
// under sharedSuffix is widened to "."+sharedSuffix; from any other host it
// is bound to that host.
func ParseSetCookie(raw, host, sharedSuffix string, now time.Time) (Cookie, error) {
	sc, err := parseSetCookie(raw)
	if err != nil {
		return Cookie{}, err
	}
	c := sc.cookie
	if !sc.hasDomain {
		c.Domain = defaultDomain(normalizeHost(host), normalizeSuffix(sharedSuffix))
	}
	// Max-Age wins over Expires.
	if sc.maxAge != nil {
		if *sc.maxAge <= 0 {
			c.Expires = time.Unix(0, 0)
		} else {
			c.Expires = now.Add(time.Duration(*sc.maxAge) * time.Second)
		}
	}
	return c, nil
}

func defaultDomain(host, suffix string) string {
	if suffix != "" && (host == suffix || strings.HasSuffix(host, "."+suffix)) {
		return "." + suffix
	}
	return host
}

// normalizeHost lowercases host and strips any port.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}

func normalizeSuffix(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
