package session

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/loveace/acelink/pkg/acehttp"
	"github.com/loveace/acelink/pkg/logger"
	"github.com/loveace/acelink/pkg/retry"
)

const (
	// DefaultGatewayURL is the VPN reverse proxy that fronts every
	// campus subsystem.
	DefaultGatewayURL = "https://vpn2.aufe.edu.cn"
	// DefaultHealthWindow is how long a checkpoint keeps a session healthy.
	DefaultHealthWindow = 300 * time.Second
	// DefaultLoginAttempts bounds each login phase.
	DefaultLoginAttempts = 3
)

// Gateway endpoints, relative to the gateway URL.
const (
	bootstrapPath = "/por/login_auth.csp?apiversion=1"
	submitPath    = "/por/login_psw.csp?anti_replay=1&encrypt=1&type=cs"
	logoutPath    = "/por/logout.csp?type=cs"
)

// Probe checks that an authenticated session still works, typically by
// fetching a page of a downstream system through m. A nil error refreshes
// the health checkpoint.
type Probe func(ctx context.Context, m *Manager) error

// Options configures a Manager.
type Options struct {
	// GatewayURL is the VPN gateway base URL. Default DefaultGatewayURL.
	GatewayURL string
	// CASLoginURL is the full CAS login URL, including its service
	// parameter. Required.
	CASLoginURL string
	// ServiceDomain is the downstream system URL prefix that a successful
	// CAS login lands on, e.g. "https://jwcxk2.vpn2.aufe.edu.cn".
	ServiceDomain string
	// SharedSuffix is the domain every proxied subsystem lives under.
	// Default: the gateway host.
	SharedSuffix string
	// Markers override the tunnel expiry signatures. Default: the
	// production fingerprints with the gateway host:port.
	Markers *acehttp.Markers

	Timeout      time.Duration
	MaxRedirects int
	HTTPClient   *http.Client
	Limiter      *rate.Limiter
	UserAgent    string

	// LoginAttempts bounds each phase. Default 3.
	LoginAttempts int
	// Retry tunes the backoff between attempts. MaxAttempts is taken from
	// LoginAttempts.
	Retry *retry.Config
	// HealthWindow is how long after the last checkpoint HealthCheck still
	// reports healthy. Default 300s.
	HealthWindow time.Duration
	Probe        Probe

	// SessionID correlates log lines and snapshots. Default: a new UUID.
	SessionID     string
	Logger        logger.Logger
	OnStateChange func(from, to State)
}

func (o *Options) setDefaults() {
	if o.GatewayURL == "" {
		o.GatewayURL = DefaultGatewayURL
	}
	if o.LoginAttempts <= 0 {
		o.LoginAttempts = DefaultLoginAttempts
	}
	if o.HealthWindow <= 0 {
		o.HealthWindow = DefaultHealthWindow
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
}

func (o *Options) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	if o.Retry != nil {
		cfg = *o.Retry
	}
	cfg.MaxAttempts = o.LoginAttempts
	return cfg
}
