package session

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loveace/acelink/pkg/acecrypto"
	"github.com/loveace/acelink/pkg/retry"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func gatewayKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

const (
	testUser   = "20210001"
	testSecret = "vpn-pass"
	testCAS    = "cas-pass"
	testTWFID  = "twf-0001"
	testCSRF   = "8a1f3c"
)

// campus is a fake gateway, CAS and downstream service.
type campus struct {
	t       *testing.T
	key     *rsa.PrivateKey
	gateway *httptest.Server
	cas     *httptest.Server
	service *httptest.Server

	// bootstrap overrides the gateway bootstrap body when set.
	bootstrap func() string
	// submit overrides the gateway submit body when set.
	submit func() string
	// casSubmit overrides the CAS POST response when set.
	casSubmit func(w http.ResponseWriter, r *http.Request)
	// dropBootstrap closes the first n bootstrap connections.
	dropBootstrap atomic.Int32

	bootstrapHits atomic.Int32
	submitHits    atomic.Int32
	logins        atomic.Int32
	casGets       atomic.Int32
	casPosts      atomic.Int32
	logoutHits    atomic.Int32
	serviceHits   atomic.Int32

	// expired makes the service answer with the gateway redirect until the
	// next successful phase 1 login.
	expired atomic.Bool
	// lastCookie is the Cookie header seen by the gateway submit.
	mu         sync.Mutex
	lastCookie string
}

func newCampus(t *testing.T) *campus {
	t.Helper()
	c := &campus{t: t, key: gatewayKey(t)}
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

func (c *campus) bootstrapBody() string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<Auth><TwfID>%s</TwfID><RSA_ENCRYPT_KEY>%x</RSA_ENCRYPT_KEY><RSA_ENCRYPT_EXP>%d</RSA_ENCRYPT_EXP><CSRF_RAND_CODE>%s</CSRF_RAND_CODE></Auth>`,
		testTWFID, c.key.N.Bytes(), c.key.E, testCSRF)
}

func (c *campus) serveGateway(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/por/login_auth.csp":
		c.bootstrapHits.Add(1)
		if c.dropBootstrap.Load() > 0 {
			c.dropBootstrap.Add(-1)
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		body := c.bootstrapBody()
		if c.bootstrap != nil {
			body = c.bootstrap()
		}
		io.WriteString(w, body)
	case "/por/login_psw.csp":
		c.submitHits.Add(1)
		c.mu.Lock()
		c.lastCookie = r.Header.Get("Cookie")
		c.mu.Unlock()
		if c.submit != nil {
			io.WriteString(w, c.submit())
			return
		}
		r.ParseForm()
		if r.Form.Get("svpn_name") != testUser || r.Form.Get("svpn_req_randcode") != testCSRF {
			io.WriteString(w, "<Auth><Result>0</Result><Message>Invalid username or password!</Message></Auth>")
			return
		}
		ct, err := hex.DecodeString(r.Form.Get("svpn_password"))
		if err != nil {
			http.Error(w, "bad hex", http.StatusBadRequest)
			return
		}
		pt, err := rsa.DecryptPKCS1v15(nil, c.key, ct)
		if err != nil || string(pt) != testSecret+"_"+testCSRF {
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

const casPage = `<html><body><form id="fm1" method="post">
<input id="username" name="username" type="text"/>
<input id="password" name="password" type="password"/>
<input type="hidden" name="lt" value="LT-1234-abcd-cas"/>
<input type="hidden" name="execution" value="e1s1"/>
<input type="hidden" name="_eventId" value="submit"/>
</form></body></html>`

func (c *campus) serveCAS(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		c.casGets.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "cas-js", Path: "/cas"})
		io.WriteString(w, casPage)
		return
	}
	c.casPosts.Add(1)
	if c.casSubmit != nil {
		c.casSubmit(w, r)
		return
	}
	r.ParseForm()
	want, _ := acecrypto.EncryptCASPassword("LT-1234-abcd-cas", testCAS)
	if r.Form.Get("username") != testUser || r.Form.Get("password") != want ||
		r.Form.Get("execution") != "e1s1" || r.Form.Get("_eventId") != "submit" {
		io.WriteString(w, `<div id="msg" class="errors">Invalid username or password</div>`)
		return
	}
	w.Header().Set("Location", c.service.URL+"/?ticket=ST-1-cas")
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

func (c *campus) lastSubmitCookie() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCookie
}

func (c *campus) options() Options {
	return Options{
		GatewayURL:    c.gateway.URL,
		CASLoginURL:   c.cas.URL + "/cas/login?service=" + url.QueryEscape(c.service.URL+"/"),
		ServiceDomain: c.service.URL,
		SharedSuffix:  "127.0.0.1",
		Retry:         &retry.Config{},
	}
}

func newTestManager(t *testing.T, c *campus, mutate func(*Options)) *Manager {
	t.Helper()
	opts := c.options()
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testCreds() Credentials {
	return Credentials{UserID: testUser, Phase1Secret: testSecret, Phase2Secret: testCAS}
}

// casHold parks CAS POSTs until release while armed, then answers them
// with the service ticket redirect.
type casHold struct {
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func holdCASSubmit(t *testing.T, c *campus) *casHold {
	t.Helper()
	h := &casHold{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	h.armed.Store(true)
	c.casSubmit = func(w http.ResponseWriter, r *http.Request) {
		if h.armed.Load() {
			h.entered <- struct{}{}
			select {
			case <-h.gate:
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Location", c.service.URL+"/?ticket=ST-1-cas")
		w.WriteHeader(http.StatusFound)
	}
	t.Cleanup(h.release)
	return h
}

func (h *casHold) release() {
	h.once.Do(func() { close(h.gate) })
}

// wait blocks until a held CAS POST arrives.
func (h *casHold) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("CAS submit never arrived")
	}
}
