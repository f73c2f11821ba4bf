package acehttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

var (
	ErrUnsupportedProxyScheme = errors.New("unsupported proxy scheme")
	ErrInvalidProxyURL        = errors.New("invalid proxy URL")
)

var supportedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ParseProxyURL parses and validates a proxy URL string.
func ParseProxyURL(proxyURL string) (*url.URL, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, ErrInvalidProxyURL
	}
	if !supportedProxySchemes[parsed.Scheme] {
		return nil, ErrUnsupportedProxyScheme
	}
	return parsed, nil
}

// NewHTTPClient creates the single-hop http.Client used by Client.
// An empty proxyURL means a direct connection. Redirects are never
// followed by the returned client.
func NewHTTPClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if proxyURL != "" {
		parsed, err := ParseProxyURL(proxyURL)
		if err != nil {
			return nil, err
		}
		if parsed.Scheme == "socks5" {
			var auth *proxy.Auth
			if parsed.User != nil {
				pass, _ := parsed.User.Password()
				auth = &proxy.Auth{
					User:     parsed.User.Username(),
					Password: pass,
				}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, err
			}
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		} else {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: noFollow,
	}, nil
}
