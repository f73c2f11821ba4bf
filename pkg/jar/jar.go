package jar

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Jar is a domain-keyed cookie store. Inside one domain key at most one
// cookie exists per (name, path); a later write replaces the earlier one.
// All methods are safe for concurrent use, and every mutation triggered by
// a single response is applied under one lock.
type Jar struct {
	mu      sync.Mutex
	suffix  string
	entries map[string][]*Cookie
	seq     uint64

	// now is swapped in tests.
	now func() time.Time
}

// New creates an empty Jar. sharedSuffix is the domain under which all
// proxied subsystems live (e.g. "vpn2.aufe.edu.cn"); cookies without a
// Domain attribute set by any of its subdomains are shared across all of
// them. An empty suffix disables widening.
func New(sharedSuffix string) *Jar {
	return &Jar{
		suffix:  normalizeSuffix(sharedSuffix),
		entries: make(map[string][]*Cookie),
		now:     time.Now,
	}
}

// SharedSuffix returns the normalized shared domain suffix.
func (j *Jar) SharedSuffix() string {
	return j.suffix
}

// Store parses one Set-Cookie header value received from host and stores it.
// It takes no request path: a cookie without a Path attribute is stored
// with path "/" rather than the directory of the request path.
func (j *Jar) Store(raw, host string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.storeLocked(raw, host, j.now())
}

// StoreAll stores every Set-Cookie value of one response atomically and
// returns how many were accepted. Malformed values are skipped.
func (j *Jar) StoreAll(raws []string, host string) int {
	if len(raws) == 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	n := 0
	for _, raw := range raws {
		if err := j.storeLocked(raw, host, now); err == nil {
			n++
		}
	}
	return n
}

// StoreResponse stores the Set-Cookie headers of resp, attributed to the
// host of the request URL u.
func (j *Jar) StoreResponse(u *url.URL, header http.Header) int {
	return j.StoreAll(header.Values("Set-Cookie"), u.Host)
}

func (j *Jar) storeLocked(raw, host string, now time.Time) error {
	c, err := ParseSetCookie(raw, host, j.suffix, now)
	if err != nil {
		return err
	}
	key := c.Domain
	list := j.entries[key]
	for i, old := range list {
		if old.Name != c.Name || old.Path != c.Path {
			continue
		}
		if c.IsExpired(now) {
			j.entries[key] = append(list[:i], list[i+1:]...)
			if len(j.entries[key]) == 0 {
				delete(j.entries, key)
			}
			return nil
		}
		c.seq = old.seq
		list[i] = &c
		return nil
	}
	if c.IsExpired(now) {
		return nil
	}
	j.seq++
	c.seq = j.seq
	j.entries[key] = append(list, &c)
	return nil
}

// CookiesFor returns copies of the cookies to send to host/path, longest
// path first and otherwise in insertion order. Expired cookies are purged
// from the whole jar before matching.
func (j *Jar) CookiesFor(host, path string) []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	j.purgeLocked(now)

	host = normalizeHost(host)
	path = normalizePath(path)
	var out []Cookie
	for _, list := range j.entries {
		for _, c := range list {
			if c.Matches(host, path, now) {
				out = append(out, *c)
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if len(out[a].Path) != len(out[b].Path) {
			return len(out[a].Path) > len(out[b].Path)
		}
		return out[a].seq < out[b].seq
	})
	return out
}

// CookiesForURL is CookiesFor for u, additionally dropping Secure cookies
// when u is not https.
func (j *Jar) CookiesForURL(u *url.URL) []Cookie {
	all := j.CookiesFor(u.Host, u.EscapedPath())
	if u.Scheme == "https" {
		return all
	}
	out := all[:0]
	for _, c := range all {
		if !c.Secure {
			out = append(out, c)
		}
	}
	return out
}

// Header renders the Cookie request header for u, or "" when nothing matches.
func (j *Jar) Header(u *url.URL) string {
	cookies := j.CookiesForURL(u)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, len(cookies))
	for i := range cookies {
		parts[i] = cookies[i].String()
	}
	return strings.Join(parts, "; ")
}

// Value returns the value of the first cookie named name that would be
// sent to host/path.
func (j *Jar) Value(host, path, name string) (string, bool) {
	for _, c := range j.CookiesFor(host, path) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Set stores an already-built cookie, replacing any cookie with the same
// domain key, name and path. It is used to seed the tunnel token.
func (j *Jar) Set(c Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c.Domain = strings.ToLower(c.Domain)
	c.Path = normalizePath(c.Path)
	list := j.entries[c.Domain]
	for i, old := range list {
		if old.Name == c.Name && old.Path == c.Path {
			c.seq = old.seq
			list[i] = &c
			return
		}
	}
	j.seq++
	c.seq = j.seq
	j.entries[c.Domain] = append(list, &c)
}

// Clear removes every cookie.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make(map[string][]*Cookie)
}

// Len returns the number of stored, unexpired cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.purgeLocked(j.now())
	n := 0
	for _, list := range j.entries {
		n += len(list)
	}
	return n
}

// Snapshot returns every unexpired cookie in insertion order, for persistence.
func (j *Jar) Snapshot() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.purgeLocked(j.now())
	var out []Cookie
	for _, list := range j.entries {
		for _, c := range list {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].seq < out[b].seq })
	return out
}

// Restore replaces the jar contents with cookies, skipping expired ones.
func (j *Jar) Restore(cookies []Cookie) {
	j.Clear()
	now := j.now()
	for _, c := range cookies {
		if c.IsExpired(now) || c.Name == "" || c.Domain == "" {
			continue
		}
		j.Set(c)
	}
}

func (j *Jar) purgeLocked(now time.Time) {
	for key, list := range j.entries {
		kept := list[:0]
		for _, c := range list {
			if !c.IsExpired(now) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(j.entries, key)
			continue
		}
		j.entries[key] = kept
	}
}
