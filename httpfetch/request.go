// Package httpfetch implements the request/response protocol command
// family named in spec §4.4: Initiate (resolve + connect, with optional
// proxy traversal), Request (format and send headers), and Response
// (parse status/headers, stream the body into a held segment).
//
// State machine: RESOLVE → CONNECT → (PROXY_HANDSHAKE?) → REQUEST →
// HEADERS → BODY → DONE.
package httpfetch

import (
	"net/url"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// ProxyMethod selects how a configured proxy is used, mirroring the
// original source's useProxyGet/useProxyTunnel predicates.
type ProxyMethod int

const (
	// ProxyMethodGet sends an absolute-URI GET through the proxy.
	ProxyMethodGet ProxyMethod = iota
	// ProxyMethodTunnel issues a CONNECT and tunnels the real request.
	ProxyMethodTunnel
)

// Options configures proxy traversal and the User-Agent header, the
// httpfetch slice of the engine's configuration.
type Options struct {
	ProxyEnabled bool
	ProxyHost    string
	ProxyPort    int
	ProxyMethod  ProxyMethod

	UserAgent string
}

// Request is a URL target plus protocol hint, a try-count, and optional
// proxy directives (spec §3 "Request"). Mutated only by the owning
// command. ResetURL restores it to the original URL; none of the fetch
// commands calls it, so a retry after a disconnection resumes from the
// current (possibly redirected) URL.
type Request struct {
	mu sync.Mutex

	originalURL string
	currentURL  string
	host        string
	port        int
	path        string
	tryCount    int
}

// NewRequest parses rawURL into a Request ready for an Initiate command.
func NewRequest(rawURL string) (*Request, error) {
	r := &Request{originalURL: rawURL}
	if err := r.setURL(rawURL); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Request) setURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "httpfetch: invalid URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("httpfetch: unsupported scheme %q", u.Scheme)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return errors.Wrapf(err, "httpfetch: invalid port in %q", rawURL)
		}
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentURL = rawURL
	r.host = u.Hostname()
	r.port = port
	r.path = path
	return nil
}

// URL returns the request's current target URL.
func (r *Request) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentURL
}

// Host returns the current target hostname.
func (r *Request) Host() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// Port returns the current target port.
func (r *Request) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// Path returns the current request-target path (and query).
func (r *Request) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Redirect points the request at a new location (from a 3xx response).
func (r *Request) Redirect(location string) error {
	return r.setURL(location)
}

// ResetURL restores the request to its original URL, per spec §3:
// "Reset on peer-initiated disconnection to restart from the original
// URL."
func (r *Request) ResetURL() error {
	return r.setURL(r.originalURL)
}

// TryCount returns the current retry attempt count.
func (r *Request) TryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tryCount
}

// AddTryCount increments and returns the try count.
func (r *Request) AddTryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryCount++
	return r.tryCount
}
