package acehttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/loveace/acelink/pkg/logger"
)

// ErrTunnelSessionExpired is returned when the proxy reports an expired
// tunnel and silent reauthentication failed, or the reissued request hit
// the expiry page again. Callers should force an interactive login.
var ErrTunnelSessionExpired = errors.New("vpn tunnel session expired")

// GuardState is the observable state of a Guard.
type GuardState int32

const (
	// GuardIdle: no reauthentication is running.
	GuardIdle GuardState = iota
	// GuardChecking: an expiry was detected and the generation is compared.
	GuardChecking
	// GuardReauthInProgress: the shared reauthentication is running.
	GuardReauthInProgress
)

func (s GuardState) String() string {
	switch s {
	case GuardIdle:
		return "idle"
	case GuardChecking:
		return "checking"
	case GuardReauthInProgress:
		return "reauth-in-progress"
	}
	return fmt.Sprintf("GuardState(%d)", int32(s))
}

// DetectReason says which signature matched.
type DetectReason int

const (
	NotDetected DetectReason = iota
	// DetectedRedirect: a 302 whose Location points at the gateway with a redirect_uri.
	DetectedRedirect
	// DetectedFinalURL: the response was served from the gateway itself.
	DetectedFinalURL
	// DetectedFingerprint: the body carries the gateway login page markup.
	DetectedFingerprint
)

func (r DetectReason) String() string {
	switch r {
	case DetectedRedirect:
		return "gateway redirect"
	case DetectedFinalURL:
		return "gateway final url"
	case DetectedFingerprint:
		return "gateway page fingerprint"
	}
	return "none"
}

// Markers identify the gateway's own pages.
type Markers struct {
	// Gateway is the gateway's host:port, e.g. "vpn2.aufe.edu.cn:443". It
	// is compared against URL hosts, so proxied subsystems living under
	// the gateway's domain do not match.
	Gateway string
	// RedirectParam must appear in a redirect Location for rule 1.
	RedirectParam string
	// Fingerprints are body substrings unique to the gateway login page.
	Fingerprints []string
}

// DefaultMarkers returns the markers of the production gateway.
func DefaultMarkers() Markers {
	return Markers{
		Gateway:       "vpn2.aufe.edu.cn:443",
		RedirectParam: "redirect_uri=",
		Fingerprints: []string{
			"<title>EasyConnect</title>",
			"SANGFOR_",
			`class="login_box_main"`,
		},
	}
}

// ReauthFunc re-establishes the tunnel session. It reports whether the
// session is usable again. Requests it makes through a Client must use the
// ctx it receives so they are not inspected by the guard.
type ReauthFunc func(ctx context.Context) (bool, error)

type guardCtxKey struct{}

// WithoutGuard marks ctx so that responses to requests made with it are
// never treated as tunnel expiry. Login flows, which talk to the gateway
// on purpose, use it.
func WithoutGuard(ctx context.Context) context.Context {
	return context.WithValue(ctx, guardCtxKey{}, true)
}

func guardSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(guardCtxKey{}).(bool)
	return v
}

// Guard detects tunnel expiry and runs at most one silent reauthentication
// at a time. Callers that detect expiry while a reauth is in flight wait
// for that reauth instead of starting their own.
type Guard struct {
	markers Markers
	reauth  atomic.Pointer[ReauthFunc]
	log     logger.Logger

	state      atomic.Int32
	generation atomic.Uint64
	group      singleflight.Group
}

// NewGuard creates a Guard. reauth may be nil and set later with SetReauth;
// without it every detected expiry is terminal.
func NewGuard(markers Markers, reauth ReauthFunc, log logger.Logger) *Guard {
	if log == nil {
		log = logger.NewNopLogger()
	}
	g := &Guard{markers: markers, log: log}
	if reauth != nil {
		g.SetReauth(reauth)
	}
	return g
}

// SetReauth installs the reauthentication callback.
func (g *Guard) SetReauth(fn ReauthFunc) {
	g.reauth.Store(&fn)
}

// State returns the current guard state.
func (g *Guard) State() GuardState {
	return GuardState(g.state.Load())
}

// Generation counts completed successful reauthentications.
func (g *Guard) Generation() uint64 {
	return g.generation.Load()
}

// Detect checks resp against the expiry signatures in priority order.
func (g *Guard) Detect(resp *Response) DetectReason {
	if g.state.CompareAndSwap(int32(GuardIdle), int32(GuardChecking)) {
		defer g.state.CompareAndSwap(int32(GuardChecking), int32(GuardIdle))
	}
	return DetectTunnelExpiry(g.markers, resp)
}

// DetectTunnelExpiry applies the three expiry signatures, first match wins.
func DetectTunnelExpiry(m Markers, resp *Response) DetectReason {
	if resp == nil {
		return NotDetected
	}
	if m.Gateway != "" {
		if resp.StatusCode == http.StatusFound {
			loc := resp.Location()
			if strings.Contains(loc, m.RedirectParam) && pointsAtGateway(m.Gateway, resp.URL, loc) {
				return DetectedRedirect
			}
		}
		if resp.URL != nil && sameHostPort(m.Gateway, resp.URL) {
			return DetectedFinalURL
		}
	}
	if len(resp.Body) > 0 {
		body := string(resp.Body)
		for _, fp := range m.Fingerprints {
			if fp != "" && strings.Contains(body, fp) {
				return DetectedFingerprint
			}
		}
	}
	return NotDetected
}

func pointsAtGateway(gateway string, base *url.URL, location string) bool {
	var target *url.URL
	var err error
	if base != nil {
		target, err = base.Parse(location)
	} else {
		target, err = url.Parse(location)
	}
	if err != nil {
		return strings.Contains(location, gateway)
	}
	return sameHostPort(gateway, target)
}

// sameHostPort compares u's host:port with gateway, filling in the scheme's
// default port on either side when it is omitted.
func sameHostPort(gateway string, u *url.URL) bool {
	if u.Host == "" {
		return false
	}
	gw := strings.ToLower(gateway)
	host := strings.ToLower(u.Host)
	if host == gw {
		return true
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
		return port != "" && host+":"+port == gw
	}
	// Gateway configured without a port matches the host on the default port.
	return !strings.Contains(gw, ":") && strings.ToLower(u.Hostname()) == gw &&
		((u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80"))
}

// Recover runs (or joins) the silent reauthentication and then reissues
// the original request exactly once through reissue. startGen is the
// Generation observed before the original request was sent: if a reauth
// completed since then, the tunnel has already been renewed and only the
// reissue happens.
func (g *Guard) Recover(ctx context.Context, startGen uint64, reason DetectReason, reissue func(ctx context.Context) (*Response, error)) (*Response, error) {
	if g.Generation() == startGen {
		if err := g.reauthenticate(ctx, startGen, reason); err != nil {
			return nil, err
		}
	}
	return reissue(ctx)
}

func (g *Guard) reauthenticate(ctx context.Context, startGen uint64, reason DetectReason) error {
	fnp := g.reauth.Load()
	if fnp == nil || *fnp == nil {
		return fmt.Errorf("%w: %s, no reauthentication configured", ErrTunnelSessionExpired, reason)
	}
	fn := *fnp

	ch := g.group.DoChan("reauth", func() (interface{}, error) {
		if g.Generation() != startGen {
			// A reauth finished between detection and joining.
			return true, nil
		}
		g.state.Store(int32(GuardReauthInProgress))
		defer g.state.Store(int32(GuardIdle))

		g.log.Warning("tunnel expiry detected (%s), reauthenticating", reason)
		rctx := WithoutGuard(context.WithoutCancel(ctx))
		ok, err := fn(rctx)
		if err != nil {
			return false, err
		}
		if ok {
			g.generation.Add(1)
			g.log.Info("silent reauthentication succeeded")
		}
		return ok, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			g.log.Error("silent reauthentication failed: %v", res.Err)
			return fmt.Errorf("%w: reauthentication failed: %w", ErrTunnelSessionExpired, res.Err)
		}
		if ok, _ := res.Val.(bool); !ok {
			g.log.Error("silent reauthentication rejected")
			return fmt.Errorf("%w: reauthentication rejected", ErrTunnelSessionExpired)
		}
		return nil
	}
}
