package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loveace/acelink/internal/config"
	"github.com/loveace/acelink/pkg/acecrypto"
)

const (
	testUser   = "20210001"
	testSecret = "vpn-pass"
	testCAS    = "cas-pass"
	testCSRF   = "5d2e9a"
	testLT     = "LT-42-cli"
)

var (
	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

// campus fakes the gateway, the CAS and one downstream service.
type campus struct {
	gateway *httptest.Server
	cas     *httptest.Server
	service *httptest.Server

	logins      atomic.Int32
	logoutHits  atomic.Int32
	serviceHits atomic.Int32
	// expired makes the service bounce to the gateway until the next login.
	expired atomic.Bool
}

func newCampus(t *testing.T) *campus {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	c := &campus{}
	c.gateway = httptest.NewServer(http.HandlerFunc(c.serveGateway))
	c.cas = httptest.NewServer(http.HandlerFunc(c.serveCAS))
	c.service = httptest.NewServer(http.HandlerFunc(c.serveService))
	t.Cleanup(func() {
		c.service.Close()
		c.cas.Close()
		c.gateway.Close()
	})
	return c
}

func (c *campus) serveGateway(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/por/login_auth.csp":
		fmt.Fprintf(w, `<Auth><TwfID>twf-cli</TwfID><RSA_ENCRYPT_KEY>%x</RSA_ENCRYPT_KEY><RSA_ENCRYPT_EXP>%d</RSA_ENCRYPT_EXP><CSRF_RAND_CODE>%s</CSRF_RAND_CODE></Auth>`,
			rsaKey.N.Bytes(), rsaKey.E, testCSRF)
	case "/por/login_psw.csp":
		r.ParseForm()
		ct, _ := hex.DecodeString(r.Form.Get("svpn_password"))
		pt, err := rsa.DecryptPKCS1v15(nil, rsaKey, ct)
		if r.Form.Get("svpn_name") != testUser || err != nil || string(pt) != testSecret+"_"+testCSRF {
			io.WriteString(w, "<Auth><Result>0</Result><Message>Invalid username or password!</Message></Auth>")
			return
		}
		c.logins.Add(1)
		c.expired.Store(false)
		io.WriteString(w, "<Auth><Result>1</Result><Message>auth success</Message></Auth>")
	case "/por/logout.csp":
		c.logoutHits.Add(1)
		io.WriteString(w, "<Result>1</Result>")
	default:
		io.WriteString(w, "<html><title>EasyConnect</title></html>")
	}
}

func (c *campus) serveCAS(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprintf(w, `<form><input type="hidden" name="lt" value="%s"/><input type="hidden" name="execution" value="e1s1"/></form>`, testLT)
		return
	}
	r.ParseForm()
	want, _ := acecrypto.EncryptCASPassword(testLT, testCAS)
	if r.Form.Get("password") != want {
		io.WriteString(w, `<div class="errors">Invalid username or password</div>`)
		return
	}
	w.Header().Set("Location", c.service.URL+"/?ticket=ST-7-cli")
	w.WriteHeader(http.StatusFound)
}

func (c *campus) serveService(w http.ResponseWriter, r *http.Request) {
	c.serviceHits.Add(1)
	if c.expired.Load() {
		w.Header().Set("Location", c.gateway.URL+"/portal/?redirect_uri="+url.QueryEscape(c.service.URL+r.URL.RequestURI()))
		w.WriteHeader(http.StatusFound)
		return
	}
	io.WriteString(w, "<title>Academic Affairs</title>"+strings.TrimPrefix(r.URL.Path, "/"))
}

// setupEnv points the CLI at c through a config file in a fresh config
// dir and returns the dir.
func setupEnv(t *testing.T, c *campus) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfigDir, dir)
	t.Setenv(config.EnvVaultKey, strings.Repeat("ab", 32))
	for _, k := range []string{
		config.EnvGatewayURL, config.EnvCASLoginURL, config.EnvServiceDomain,
		config.EnvProxy, config.EnvTimeout, config.EnvStoreDriver,
		config.EnvStoreDSN, config.EnvUser, config.EnvDebug,
	} {
		t.Setenv(k, "")
	}
	body := fmt.Sprintf(`[gateway]
url = %q
shared_suffix = "127.0.0.1"

[cas]
login_url = %q
service_domain = %q
`, c.gateway.URL, c.cas.URL+"/cas/login?service="+url.QueryEscape(c.service.URL+"/"), c.service.URL)
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

// withStdin feeds s to the password prompt for the duration of the test.
func withStdin(t *testing.T, s string) {
	t.Helper()
	old := stdin
	stdin = strings.NewReader(s)
	t.Cleanup(func() { stdin = old })
}

func run(args ...string) error {
	return Execute(append([]string{"acelink"}, args...), BuildArgs{Version: "test", BuildType: "test"})
}
