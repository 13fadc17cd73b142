package discord

import (
	"net/url"
	"strings"
)

// MaskToken renders a safe preview of a credential for diagnostics.
func MaskToken(token string) string {
	if token == "" {
		return "None"
	}
	if len(token) <= 8 {
		return token[:2] + "***" + token[len(token)-2:]
	}
	return token[:4] + "***" + token[len(token)-4:]
}

// MaskWebhook hides the path of a webhook URL, keeping scheme, host and a
// short suffix so operators can still tell destinations apart.
func MaskWebhook(u string) string {
	if u == "" {
		return "None"
	}
	if i := strings.Index(u, "://"); i >= 0 {
		scheme := u[:i]
		rest := u[i+3:]
		domain := rest
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			domain = rest[:j]
		}
		suffix := u
		if len(u) > 6 {
			suffix = u[len(u)-6:]
		}
		return scheme + "://" + domain + "/..." + suffix
	}
	if len(u) > 6 {
		return "..." + u[len(u)-6:]
	}
	return "..." + u
}

// MaskProxy hides credentials and most of the host of a proxy URL.
func MaskProxy(raw string) string {
	if raw == "" {
		return "None"
	}
	p, err := url.Parse(raw)
	if err != nil {
		return "hidden"
	}
	host := p.Hostname()
	if host == "" {
		host = "unknown"
	}
	if len(host) > 6 {
		host = host[:3] + "***" + host[len(host)-2:]
	}
	user := ""
	if p.User != nil && p.User.Username() != "" {
		user = p.User.Username()[:1] + "***@"
	}
	return p.Scheme + "://" + user + host + ":" + p.Port()
}
