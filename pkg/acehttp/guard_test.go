package acehttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loveace/acelink/pkg/logger"
)

func TestDetectTunnelExpiry(t *testing.T) {
	m := DefaultMarkers()
	parse := func(s string) *url.URL {
		u, _ := url.Parse(s)
		return u
	}
	tests := []struct {
		name string
		resp *Response
		want DetectReason
	}{
		{
			name: "redirect to gateway with redirect_uri",
			resp: &Response{
				StatusCode: http.StatusFound,
				Header:     http.Header{"Location": {"https://vpn2.aufe.edu.cn/portal/?redirect_uri=https%3A%2F%2Fjwcxk2.vpn2.aufe.edu.cn%2F"}},
				URL:        parse("https://jwcxk2.vpn2.aufe.edu.cn/student/home"),
			},
			want: DetectedRedirect,
		},
		{
			name: "redirect to gateway with explicit port",
			resp: &Response{
				StatusCode: http.StatusFound,
				Header:     http.Header{"Location": {"https://vpn2.aufe.edu.cn:443/portal/?redirect_uri=x"}},
				URL:        parse("https://jwcxk2.vpn2.aufe.edu.cn/"),
			},
			want: DetectedRedirect,
		},
		{
			name: "redirect within proxied subsystem is ignored",
			resp: &Response{
				StatusCode: http.StatusFound,
				Header:     http.Header{"Location": {"https://jwcxk2.vpn2.aufe.edu.cn/login?redirect_uri=x"}},
				URL:        parse("https://jwcxk2.vpn2.aufe.edu.cn/"),
			},
			want: NotDetected,
		},
		{
			name: "redirect to gateway without redirect_uri is not rule one",
			resp: &Response{
				StatusCode: http.StatusFound,
				Header:     http.Header{"Location": {"https://vpn2.aufe.edu.cn/por/login_auth.csp"}},
				URL:        parse("https://jwcxk2.vpn2.aufe.edu.cn/"),
			},
			want: NotDetected,
		},
		{
			name: "served from gateway",
			resp: &Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				URL:        parse("https://vpn2.aufe.edu.cn/portal/"),
			},
			want: DetectedFinalURL,
		},
		{
			name: "rule one wins over fingerprint",
			resp: &Response{
				StatusCode: http.StatusFound,
				Header:     http.Header{"Location": {"https://vpn2.aufe.edu.cn/?redirect_uri=x"}},
				Body:       []byte("<title>EasyConnect</title>"),
				URL:        parse("https://jwcxk2.vpn2.aufe.edu.cn/"),
			},
			want: DetectedRedirect,
		},
		{
			name: "fingerprint in proxied body",
			resp: &Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       []byte(`<html><head><title>EasyConnect</title></head></html>`),
				URL:        parse("https://jwcxk2.vpn2.aufe.edu.cn/"),
			},
			want: DetectedFingerprint,
		},
		{
			name: "ordinary page",
			resp: &Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       []byte("<title>Grades</title>"),
				URL:        parse("https://jwcxk2.vpn2.aufe.edu.cn/"),
			},
			want: NotDetected,
		},
		{name: "nil response", resp: nil, want: NotDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectTunnelExpiry(m, tt.resp); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// tunnelFixture is a proxied service that answers with a gateway redirect
// until renewed is set.
type tunnelFixture struct {
	gateway *httptest.Server
	service *httptest.Server
	renewed atomic.Bool
	hits    atomic.Int32
	gwHits  atomic.Int32
}

func newTunnelFixture(t *testing.T) *tunnelFixture {
	t.Helper()
	f := &tunnelFixture{}
	f.gateway = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.gwHits.Add(1)
		io.WriteString(w, "<title>EasyConnect</title>")
	}))
	f.service = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if !f.renewed.Load() {
			w.Header().Set("Location", f.gateway.URL+"/portal/?redirect_uri="+url.QueryEscape("http://"+r.Host+r.URL.Path))
			w.WriteHeader(http.StatusFound)
			return
		}
		io.WriteString(w, "grades")
	}))
	t.Cleanup(func() {
		f.service.Close()
		f.gateway.Close()
	})
	return f
}

func (f *tunnelFixture) markers() Markers {
	m := DefaultMarkers()
	m.Gateway = f.gateway.Listener.Addr().String()
	return m
}

func TestClient_SilentReauthReissuesOnce(t *testing.T) {
	f := newTunnelFixture(t)
	var reauths atomic.Int32
	guard := NewGuard(f.markers(), func(ctx context.Context) (bool, error) {
		reauths.Add(1)
		if !guardSuppressed(ctx) {
			t.Error("reauth ctx should be unguarded")
		}
		f.renewed.Store(true)
		return true, nil
	}, nil)

	c := newTestClient(t, ClientOptions{Guard: guard})
	resp, err := c.Get(context.Background(), f.service.URL+"/student/home")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Text() != "grades" {
		t.Errorf("resp = %d %q", resp.StatusCode, resp.Text())
	}
	if reauths.Load() != 1 {
		t.Errorf("reauths = %d, want 1", reauths.Load())
	}
	if f.hits.Load() != 2 {
		t.Errorf("service hits = %d, want 2", f.hits.Load())
	}
	if f.gwHits.Load() != 0 {
		t.Errorf("gateway redirect should not be followed, got %d hits", f.gwHits.Load())
	}
	if guard.Generation() != 1 || guard.State() != GuardIdle {
		t.Errorf("guard gen=%d state=%v", guard.Generation(), guard.State())
	}
}

func TestClient_ReauthFailureIsTunnelExpired(t *testing.T) {
	tests := []struct {
		name   string
		reauth ReauthFunc
	}{
		{"rejected", func(context.Context) (bool, error) { return false, nil }},
		{"errored", func(context.Context) (bool, error) { return false, errors.New("phase 1 down") }},
		{"not configured", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTunnelFixture(t)
			mock := logger.NewMockLogger()
			c := newTestClient(t, ClientOptions{Guard: NewGuard(f.markers(), tt.reauth, mock)})
			_, err := c.Get(context.Background(), f.service.URL+"/")
			if !errors.Is(err, ErrTunnelSessionExpired) {
				t.Fatalf("err = %v, want ErrTunnelSessionExpired", err)
			}
			if f.hits.Load() != 1 {
				t.Errorf("service hits = %d, want 1", f.hits.Load())
			}
		})
	}
}

func TestClient_StillExpiredAfterReauth(t *testing.T) {
	f := newTunnelFixture(t)
	var reauths atomic.Int32
	guard := NewGuard(f.markers(), func(context.Context) (bool, error) {
		reauths.Add(1)
		return true, nil
	}, nil)
	c := newTestClient(t, ClientOptions{Guard: guard})

	_, err := c.Get(context.Background(), f.service.URL+"/")
	if !errors.Is(err, ErrTunnelSessionExpired) {
		t.Fatalf("err = %v, want ErrTunnelSessionExpired", err)
	}
	if reauths.Load() != 1 {
		t.Errorf("reauths = %d, want 1", reauths.Load())
	}
	if f.hits.Load() != 2 {
		t.Errorf("service hits = %d, want 2", f.hits.Load())
	}
}

func TestClient_ConcurrentDetectorsShareOneReauth(t *testing.T) {
	f := newTunnelFixture(t)
	var reauths atomic.Int32
	release := make(chan struct{})
	guard := NewGuard(f.markers(), func(context.Context) (bool, error) {
		reauths.Add(1)
		<-release
		f.renewed.Store(true)
		return true, nil
	}, nil)
	c := newTestClient(t, ClientOptions{Guard: guard})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(context.Background(), f.service.URL+"/")
			if err == nil && resp.Text() != "grades" {
				err = errors.New("unexpected body " + resp.Text())
			}
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for guard.State() != GuardReauthInProgress && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Get: %v", err)
		}
	}
	if reauths.Load() != 1 {
		t.Errorf("reauths = %d, want 1", reauths.Load())
	}
}

func TestClient_WithoutGuardReturnsGatewayResponse(t *testing.T) {
	f := newTunnelFixture(t)
	var reauths atomic.Int32
	guard := NewGuard(f.markers(), func(context.Context) (bool, error) {
		reauths.Add(1)
		return true, nil
	}, nil)
	c := newTestClient(t, ClientOptions{Guard: guard})

	resp, err := c.Get(WithoutGuard(context.Background()), f.gateway.URL+"/por/login_auth.csp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(resp.Text(), "EasyConnect") {
		t.Errorf("body = %q", resp.Text())
	}
	if reauths.Load() != 0 {
		t.Errorf("reauths = %d, want 0", reauths.Load())
	}
}

func TestGuard_RecoverSkipsReauthWhenGenerationMoved(t *testing.T) {
	var reauths atomic.Int32
	g := NewGuard(DefaultMarkers(), func(context.Context) (bool, error) {
		reauths.Add(1)
		return true, nil
	}, nil)
	reissue := func(context.Context) (*Response, error) { return &Response{StatusCode: 200}, nil }

	if _, err := g.Recover(context.Background(), 0, DetectedRedirect, reissue); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Recover(context.Background(), 0, DetectedRedirect, reissue); err != nil {
		t.Fatal(err)
	}
	if reauths.Load() != 1 {
		t.Errorf("reauths = %d, want 1", reauths.Load())
	}
}

func TestGuard_RecoverRespectsCallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	g := NewGuard(DefaultMarkers(), func(context.Context) (bool, error) {
		<-release
		return true, nil
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Recover(ctx, 0, DetectedFingerprint, func(context.Context) (*Response, error) {
		t.Error("reissue should not run")
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
