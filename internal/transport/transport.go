// Package transport builds the single outbound HTTP client shared by the VK and
// Telegram clients.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every outbound request when no timeout is configured.
const DefaultTimeout = 15 * time.Second

var (
	errInvalidProxyURL   = errors.New("transport.invalid_proxy_url")
	errNegativeTimeout   = errors.New("transport.negative_timeout")
	errUnsupportedScheme = errors.New("transport.unsupported_proxy_scheme")
)

// Config describes outbound transport behaviour.
type Config struct {
	ProxyURL string
	Timeout  time.Duration
}

// NewClient returns an http.Client honouring the proxy and timeout settings.
// The process-wide http.DefaultTransport is never modified.
func NewClient(config Config) (*http.Client, error) {
	if config.Timeout < 0 {
		return nil, errNegativeTimeout
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	roundTripper := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	trimmedProxy := strings.TrimSpace(config.ProxyURL)
	if trimmedProxy != "" {
		proxyURL, err := parseProxyURL(trimmedProxy)
		if err != nil {
			return nil, err
		}
		roundTripper.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: roundTripper, Timeout: timeout}, nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidProxyURL, err)
	}
	if parsed.Host == "" {
		return nil, errInvalidProxyURL
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "socks5", "socks5h":
		return parsed, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedScheme, parsed.Scheme)
	}
}
