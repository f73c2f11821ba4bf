// Package session signs a user into the campus VPN gateway (phase 1) and
// the CAS behind it (phase 2), then serves authenticated requests through
// a shared cookie jar. An expired tunnel detected mid-request triggers one
// silent re-login with the stored credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loveace/acelink/pkg/acecrypto"
	"github.com/loveace/acelink/pkg/acehttp"
	"github.com/loveace/acelink/pkg/jar"
	"github.com/loveace/acelink/pkg/logger"
	"github.com/loveace/acelink/pkg/retry"
)

// Credentials are the secrets of both login phases.
type Credentials struct {
	UserID       string `json:"user_id"`
	Phase1Secret string `json:"phase1_secret"`
	Phase2Secret string `json:"phase2_secret"`
}

// Manager owns one user's session: the cookie jar, the transport, the
// tunnel guard and the login state.
type Manager struct {
	opts    Options
	id      string
	log     logger.Logger
	gateway *url.URL
	jar     *jar.Jar
	guard   *acehttp.Guard
	client  *acehttp.Client
	now     func() time.Time

	// loginMu serializes logins, including silent reauthentication.
	loginMu sync.Mutex

	mu          sync.Mutex
	state       State
	lastErr     error
	creds       *Credentials
	userID      string
	tunnelToken string
	phase1      bool
	phase2      bool
	checkpoint  time.Time

	closed atomic.Bool
}

// New creates a Manager in the Unauthenticated state.
func New(opts Options) (*Manager, error) {
	opts.setDefaults()
	gw, err := url.Parse(strings.TrimRight(opts.GatewayURL, "/"))
	if err != nil || gw.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", opts.GatewayURL)
	}
	if opts.CASLoginURL == "" {
		return nil, errors.New("CAS login URL is required")
	}
	if _, err := url.Parse(opts.CASLoginURL); err != nil {
		return nil, fmt.Errorf("invalid CAS login URL: %w", err)
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	log := logger.WithPrefix(opts.Logger, "session "+shortID(id))

	suffix := opts.SharedSuffix
	if suffix == "" {
		suffix = gw.Hostname()
	}
	markers := acehttp.DefaultMarkers()
	if opts.Markers != nil {
		markers = *opts.Markers
	} else {
		markers.Gateway = hostPort(gw)
	}

	m := &Manager{
		opts:    opts,
		id:      id,
		log:     log,
		gateway: gw,
		jar:     jar.New(suffix),
		now:     time.Now,
	}
	m.guard = acehttp.NewGuard(markers, m.reauthenticate, log)
	m.client, err = acehttp.NewClient(acehttp.ClientOptions{
		HTTPClient:   opts.HTTPClient,
		Jar:          m.jar,
		Guard:        m.guard,
		Timeout:      opts.Timeout,
		MaxRedirects: opts.MaxRedirects,
		Limiter:      opts.Limiter,
		UserAgent:    opts.UserAgent,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return strings.ToLower(u.Host)
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}

// ID returns the session id.
func (m *Manager) ID() string { return m.id }

// Jar returns the session cookie jar.
func (m *Manager) Jar() *jar.Jar { return m.jar }

// Guard returns the session's tunnel guard.
func (m *Manager) Guard() *acehttp.Guard { return m.guard }

// State returns the current login state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error of the last failed login, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// UserID returns the user of the current or last session.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// TunnelToken returns the TWFID issued by the gateway.
func (m *Manager) TunnelToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tunnelToken
}

// SetCredentials installs credentials for silent reauthentication without
// logging in, e.g. after Restore.
func (m *Manager) SetCredentials(c Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = &c
}

// transition moves to next and fires OnStateChange outside the lock. An
// illegal edge leaves the state untouched and skips update.
func (m *Manager) transition(next State, update func()) error {
	m.mu.Lock()
	prev := m.state
	if !canTransition(prev, next) {
		m.mu.Unlock()
		m.log.Error("illegal state transition %s -> %s", prev, next)
		return fmt.Errorf("%w %s -> %s", ErrIllegalTransition, prev, next)
	}
	m.state = next
	if update != nil {
		update()
	}
	m.mu.Unlock()

	if prev != next {
		m.log.Debug("state %s -> %s", prev, next)
		if m.opts.OnStateChange != nil {
			m.opts.OnStateChange(prev, next)
		}
	}
	return nil
}

// Login runs phase 1 to completion, then phase 2. Each phase is retried
// only on network failures. On success the credentials are kept for silent
// reauthentication.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	if m.closed.Load() {
		return acehttp.ErrClosed
	}
	if creds.UserID == "" {
		return ErrNoCredentials
	}
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	return m.login(ctx, creds)
}

func (m *Manager) login(ctx context.Context, creds Credentials) error {
	ctx = acehttp.WithoutGuard(ctx)
	cfg := m.opts.retryConfig()

	err := m.transition(Phase1Authenticating, func() {
		m.phase1, m.phase2 = false, false
		m.lastErr = nil
	})
	if err != nil {
		return m.interrupted(err)
	}
	m.log.Info("phase 1 login for %s", creds.UserID)

	var twfID string
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		twfID, err = m.phase1Login(ctx, creds)
		return err
	}, isNetworkFailure, m.onRetry(Phase1, cfg.MaxAttempts))
	if err != nil {
		m.fail(Phase1Failed, err)
		return err
	}
	err = m.transition(Phase1Authenticated, func() {
		m.phase1 = true
		m.tunnelToken = twfID
		m.userID = creds.UserID
	})
	if err != nil {
		return m.interrupted(err)
	}

	if err := m.transition(Phase2Authenticating, nil); err != nil {
		return m.interrupted(err)
	}
	m.log.Info("phase 2 login for %s", creds.UserID)
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		return m.phase2Login(ctx, creds)
	}, isNetworkFailure, m.onRetry(Phase2, cfg.MaxAttempts))
	if err != nil {
		m.fail(Phase2Failed, err)
		return err
	}

	err = m.transition(Authenticated, func() {
		m.phase2 = true
		m.checkpoint = m.now()
		c := creds
		m.creds = &c
	})
	if err != nil {
		return m.interrupted(err)
	}
	m.log.Info("authenticated %s", creds.UserID)
	return nil
}

// fail records err for a failed phase. If the state was moved under the
// login, err is still what the caller gets.
func (m *Manager) fail(state State, err error) {
	m.log.Warning("%v", err)
	_ = m.transition(state, func() {
		m.lastErr = err
		if state == Phase1Failed {
			m.phase1 = false
		}
		m.phase2 = false
	})
}

// interrupted maps a rejected login transition to the error Login returns.
// Close is the only thing that can move the state under a running login.
func (m *Manager) interrupted(err error) error {
	if m.closed.Load() {
		return fmt.Errorf("%w: %w", acehttp.ErrClosed, err)
	}
	return err
}

func (m *Manager) onRetry(phase Phase, max int) retry.OnRetry {
	return func(attempt int, err error) {
		m.log.Warning("%s login attempt %d/%d failed: %v", phase, attempt, max, err)
	}
}

// isNetworkFailure retries transport failures only. A closed transport or
// a canceled caller is final.
func isNetworkFailure(err error) bool {
	if errors.Is(err, acehttp.ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	return ReasonOf(err) == NetworkError
}

// transportError tags an error returned by the transport.
func transportError(phase Phase, err error) *LoginError {
	switch {
	case errors.Is(err, acehttp.ErrTooManyRedirects):
		return newLoginError(phase, TooManyRedirects, err)
	case errors.Is(err, acehttp.ErrTunnelSessionExpired):
		return newLoginError(phase, TunnelSessionExpired, err)
	case errors.Is(err, acehttp.ErrNetwork), errors.Is(err, acehttp.ErrClosed):
		return newLoginError(phase, NetworkError, err)
	}
	if retry.ClassifyError(err) != retry.ErrCategoryFatal {
		return newLoginError(phase, NetworkError, err)
	}
	return newLoginError(phase, UnknownServerResponse, err)
}

func (m *Manager) gatewayURL(path string) string {
	return m.gateway.String() + path
}

// phase1Login performs the gateway bootstrap and password submit and
// returns the tunnel token.
func (m *Manager) phase1Login(ctx context.Context, creds Credentials) (string, error) {
	resp, err := m.client.Get(ctx, m.gatewayURL(bootstrapPath))
	if err != nil {
		return "", transportError(Phase1, err)
	}
	body := resp.Text()

	fields := make(map[string]string, 4)
	for _, tag := range []string{"TwfID", "RSA_ENCRYPT_KEY", "RSA_ENCRYPT_EXP", "CSRF_RAND_CODE"} {
		v, ok := extractTag(body, tag)
		if !ok {
			return "", missingField(Phase1, tag)
		}
		fields[tag] = v
	}
	twfID := fields["TwfID"]

	m.jar.Set(jar.Cookie{
		Name:   "TWFID",
		Value:  twfID,
		Domain: m.tunnelCookieDomain(),
		Path:   "/",
	})

	password, err := acecrypto.EncryptPassword(
		fields["RSA_ENCRYPT_KEY"],
		fields["RSA_ENCRYPT_EXP"],
		acecrypto.PasswordPlaintext(creds.Phase1Secret, fields["CSRF_RAND_CODE"]),
	)
	if err != nil {
		return "", newLoginError(Phase1, UnknownServerResponse, err)
	}

	req, err := acehttp.NewFormRequest(m.gatewayURL(submitPath), url.Values{
		"svpn_rand_code":    {""},
		"mitm":              {""},
		"svpn_req_randcode": {fields["CSRF_RAND_CODE"]},
		"svpn_name":         {creds.UserID},
		"svpn_password":     {password},
	})
	if err != nil {
		return "", newLoginError(Phase1, UnknownServerResponse, err)
	}
	req.Header.Set("Cookie", "TWFID="+twfID)

	resp, err = m.client.Do(ctx, req)
	if err != nil {
		return "", transportError(Phase1, err)
	}
	if err := classifyPhase1(resp.Text()); err != nil {
		return "", err
	}

	// The gateway may rotate the token on success.
	if v, ok := m.jar.Value(m.gateway.Hostname(), "/", "TWFID"); ok && v != "" {
		twfID = v
	}
	return twfID, nil
}

func (m *Manager) tunnelCookieDomain() string {
	if s := m.jar.SharedSuffix(); s != "" {
		return "." + s
	}
	return m.gateway.Hostname()
}

const phase1Success = "<Result>1</Result>"

var phase1Failures = []struct {
	marker string
	reason Reason
}{
	{"Invalid username or password!", InvalidCredentials},
	{"[CDATA[maybe attacked]]", RateLimited},
	{"CAPTCHA required", RateLimited},
}

func classifyPhase1(body string) error {
	if strings.Contains(body, phase1Success) {
		return nil
	}
	for _, f := range phase1Failures {
		if strings.Contains(body, f.marker) {
			return newLoginError(Phase1, f.reason, nil)
		}
	}
	msg, _ := extractTag(body, "Message")
	return newLoginError(Phase1, UnknownServerResponse, errors.New(orDefault(msg, "no success marker")))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

var phase2Failures = []string{
	"Invalid username or password",
	"用户名或密码错误",
	"errorMsg",
}

// phase2Landed reports whether resp is the downstream system after a
// completed CAS login.
func (m *Manager) phase2Landed(resp *acehttp.Response) bool {
	if resp.StatusCode != 200 || resp.URL == nil {
		return false
	}
	final := resp.URL.String()
	if hasURLPrefix(final, m.opts.ServiceDomain) {
		return true
	}
	return strings.Contains(final, "ticket=")
}

// hasURLPrefix is a prefix match that does not let "https://a.cn:81"
// match "https://a.cn:8118".
func hasURLPrefix(u, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(u, prefix) {
		return false
	}
	if strings.HasSuffix(prefix, "/") || len(u) == len(prefix) {
		return true
	}
	switch u[len(prefix)] {
	case '/', '?', '#':
		return true
	}
	return false
}

func (m *Manager) phase2Login(ctx context.Context, creds Credentials) error {
	resp, err := m.client.Get(ctx, m.opts.CASLoginURL)
	if err != nil {
		return transportError(Phase2, err)
	}
	// A live ticket-granting cookie sends us straight to the service.
	if m.phase2Landed(resp) {
		m.log.Debug("CAS session still valid")
		return nil
	}

	form, missing := extractCASForm(resp.Text())
	if missing != "" {
		return missingField(Phase2, missing)
	}
	password, err := acecrypto.EncryptCASPassword(form.LT, creds.Phase2Secret)
	if err != nil {
		return newLoginError(Phase2, UnknownServerResponse, err)
	}

	resp, err = m.client.PostForm(ctx, m.opts.CASLoginURL, url.Values{
		"username":  {creds.UserID},
		"password":  {password},
		"lt":        {form.LT},
		"execution": {form.Execution},
		"_eventId":  {"submit"},
		"submit":    {"LOGIN"},
	})
	if err != nil {
		return transportError(Phase2, err)
	}
	if m.phase2Landed(resp) {
		return nil
	}
	body := resp.Text()
	for _, marker := range phase2Failures {
		if strings.Contains(body, marker) {
			return newLoginError(Phase2, InvalidCredentials, nil)
		}
	}
	return newLoginError(Phase2, UnknownServerResponse,
		fmt.Errorf("status %d at %s", resp.StatusCode, resp.URL.Redacted()))
}

// reauthenticate is the guard's callback: a silent re-login with the
// stored credentials.
func (m *Manager) reauthenticate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()
	if creds == nil {
		return false, ErrNoCredentials
	}
	if m.closed.Load() {
		return false, acehttp.ErrClosed
	}

	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if err := m.login(ctx, *creds); err != nil {
		return false, err
	}
	return true, nil
}

// Health is the result of a health check.
type Health struct {
	Healthy    bool
	Reason     string
	Checkpoint time.Time
}

// HealthCheck reports whether the session is usable. It is unhealthy when
// either phase is logged out or the last checkpoint is older than the
// health window; an unhealthy session drops to Unauthenticated unless a
// login or silent reauthentication is running, which is left to finish.
// When a Probe is configured and the session is otherwise healthy, it runs
// and a success refreshes the checkpoint. HealthCheck never schedules
// itself.
func (m *Manager) HealthCheck(ctx context.Context) (Health, error) {
	if m.closed.Load() {
		return Health{Reason: "closed"}, acehttp.ErrClosed
	}

	m.mu.Lock()
	h := Health{Checkpoint: m.checkpoint}
	switch {
	case !m.phase1:
		h.Reason = "phase 1 logged out"
	case !m.phase2:
		h.Reason = "phase 2 logged out"
	case m.now().Sub(m.checkpoint) > m.opts.HealthWindow:
		h.Reason = fmt.Sprintf("no checkpoint for %s", m.now().Sub(m.checkpoint).Round(time.Second))
	}
	m.mu.Unlock()

	if h.Reason == "" && m.opts.Probe != nil {
		if err := m.opts.Probe(ctx, m); err != nil {
			if !errors.Is(err, acehttp.ErrTunnelSessionExpired) {
				return h, err
			}
			h.Reason = "tunnel expired"
		} else {
			m.mu.Lock()
			m.checkpoint = m.now()
			h.Checkpoint = m.checkpoint
			m.mu.Unlock()
		}
	}

	if h.Reason != "" {
		m.log.Info("unhealthy: %s", h.Reason)
		if !m.loginMu.TryLock() {
			m.log.Debug("login in progress, keeping state %s", m.State())
			return h, nil
		}
		_ = m.transition(Unauthenticated, func() {
			m.phase1, m.phase2 = false, false
		})
		m.loginMu.Unlock()
		return h, nil
	}
	h.Healthy = true
	return h, nil
}

// Do sends req through the authenticated transport. It refuses requests
// only in Unauthenticated and the failed states, so a request made while a
// login or silent reauthentication is running is sent.
func (m *Manager) Do(ctx context.Context, req *acehttp.Request) (*acehttp.Response, error) {
	if m.closed.Load() {
		return nil, acehttp.ErrClosed
	}
	switch st := m.State(); st {
	case Unauthenticated, Phase1Failed, Phase2Failed:
		return nil, fmt.Errorf("%w (state %s)", ErrNotAuthenticated, st)
	}
	return m.client.Do(ctx, req)
}

// Get is Do for a GET of rawURL.
func (m *Manager) Get(ctx context.Context, rawURL string) (*acehttp.Response, error) {
	req, err := acehttp.NewRequest("GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return m.Do(ctx, req)
}

// PostForm is Do for a form POST to rawURL.
func (m *Manager) PostForm(ctx context.Context, rawURL string, form url.Values) (*acehttp.Response, error) {
	req, err := acehttp.NewFormRequest(rawURL, form)
	if err != nil {
		return nil, err
	}
	return m.Do(ctx, req)
}

// Logout asks the gateway to end the tunnel session, then clears the jar,
// the state and the stored credentials. The gateway call is best effort.
// A running login or silent reauthentication is waited for first.
func (m *Manager) Logout(ctx context.Context) error {
	if m.closed.Load() {
		return acehttp.ErrClosed
	}
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if m.TunnelToken() != "" {
		if _, err := m.client.Get(acehttp.WithoutGuard(ctx), m.gatewayURL(logoutPath)); err != nil {
			m.log.Warning("gateway logout: %v", err)
		}
	}
	m.reset()
	m.log.Info("logged out")
	return nil
}

func (m *Manager) reset() {
	m.jar.Clear()
	_ = m.transition(Unauthenticated, func() {
		m.phase1, m.phase2 = false, false
		m.tunnelToken = ""
		m.creds = nil
		m.checkpoint = time.Time{}
	})
}

// Close releases the transport. It is idempotent; afterwards every
// operation fails with acehttp.ErrClosed.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	err := m.client.Close()
	_ = m.transition(Unauthenticated, func() {
		m.phase1, m.phase2 = false, false
		m.creds = nil
	})
	return err
}
