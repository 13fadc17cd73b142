package poster

import (
	"errors"
	"hash/fnv"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"drippost/internal/discord"
	logx "drippost/pkg/logx"
)

// SessionPool shares one HTTP session per egress route across all workers
// using that route. Sessions are reference counted: the last release closes
// the session, the next acquire rebuilds it.
type SessionPool struct {
	timeout time.Duration
	log     logx.Logger

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	mu     sync.Mutex
	client *http.Client
	refs   int
}

func NewSessionPool(timeout time.Duration, log logx.Logger) *SessionPool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SessionPool{
		timeout: timeout,
		log:     log,
		entries: make(map[string]*sessionEntry),
	}
}

// Acquire returns the shared session for the route, creating it on the first
// reference. The empty route is the direct connection.
func (p *SessionPool) Acquire(route string) (*http.Client, error) {
	p.mu.Lock()
	e, ok := p.entries[route]
	if !ok {
		e = &sessionEntry{}
		p.entries[route] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		c, err := buildClient(route, p.timeout)
		if err != nil {
			return nil, err
		}
		e.client = c
		p.log.Debug("session created", logx.String("route", discord.MaskProxy(route)))
	}
	e.refs++
	return e.client, nil
}

// Release drops one reference. The session is closed exactly once, when the
// last reference goes away; concurrent releasers past zero are no-ops.
func (p *SessionPool) Release(route string) {
	p.mu.Lock()
	e := p.entries[route]
	p.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 && e.client != nil {
		e.client.CloseIdleConnections()
		e.client = nil
		p.log.Debug("session closed", logx.String("route", discord.MaskProxy(route)))
	}
}

// Recycle tears down the route's transport and rebuilds it in place, keeping
// the reference count. Workers call this when a session looks wedged.
func (p *SessionPool) Recycle(route string) (*http.Client, error) {
	p.mu.Lock()
	e := p.entries[route]
	p.mu.Unlock()
	if e == nil {
		return nil, errors.New("unknown route")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.CloseIdleConnections()
		e.client = nil
	}
	c, err := buildClient(route, p.timeout)
	if err != nil {
		return nil, err
	}
	e.client = c
	p.log.Info("session recycled", logx.String("route", discord.MaskProxy(route)))
	return c, nil
}

// CloseAll closes every live session. Shutdown only; workers must already be
// stopped.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	entries := make([]*sessionEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.client != nil {
			e.client.CloseIdleConnections()
			e.client = nil
		}
		e.refs = 0
		e.mu.Unlock()
	}
}

// Refs reports the reference count for a route. Diagnostics and tests.
func (p *SessionPool) Refs(route string) int {
	p.mu.Lock()
	e := p.entries[route]
	p.mu.Unlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// PickRoute assigns an egress route to a key. The assignment is a stable hash
// over the configured proxies plus the direct route, so the same credential
// lands on the same session across restarts.
func PickRoute(proxies []string, key string) string {
	clean := make([]string, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		return ""
	}
	sort.Strings(clean)

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % (len(clean) + 1)
	if idx < 0 {
		idx = -idx
	}
	if idx == len(clean) {
		return "" // direct
	}
	return clean[idx]
}

func buildClient(route string, timeout time.Duration) (*http.Client, error) {
	tr := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	if route != "" {
		u, err := url.Parse(route)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(u.Scheme) {
		case "socks5", "socks5h":
			var auth *xproxy.Auth
			if u.User != nil {
				pw, _ := u.User.Password()
				auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
			}
			d, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 10 * time.Second})
			if err != nil {
				return nil, err
			}
			cd, ok := d.(xproxy.ContextDialer)
			if !ok {
				return nil, errors.New("socks5 dialer lacks context support")
			}
			tr.DialContext = cd.DialContext
		case "http", "https":
			tr.Proxy = http.ProxyURL(u)
		default:
			return nil, errors.New("unsupported proxy scheme: " + u.Scheme)
		}
	}

	return &http.Client{Transport: tr, Timeout: timeout}, nil
}
