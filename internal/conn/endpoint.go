package conn

import (
	"fmt"
	"net/url"
	"time"
)

// sameOriginHosts stand for "whatever host the page was served from".
var sameOriginHosts = map[string]bool{
	"localhost": true,
	"0.0.0.0":   true,
}

// ResolveEndpoint rewrites a configured endpoint against the page URL.
//
// A same-origin indicator host (localhost, 0.0.0.0) is replaced with the
// page's host. When the page itself is served over https the scheme is
// upgraded (ws→wss, http→https) and the port cleared, since the endpoint is
// then expected behind the same load balancer on the default port.
// An empty page leaves the endpoint unchanged.
func ResolveEndpoint(endpoint, page string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if page == "" || !sameOriginHosts[u.Hostname()] {
		return u.String(), nil
	}

	p, err := url.Parse(page)
	if err != nil {
		return "", fmt.Errorf("parse page url %q: %w", page, err)
	}

	host := p.Hostname()
	port := u.Port()
	if p.Scheme == "https" {
		switch u.Scheme {
		case "ws":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "https"
		}
		port = ""
	}
	if port != "" {
		u.Host = joinHostPort(host, port)
	} else {
		u.Host = bracketIPv6(host)
	}
	return u.String(), nil
}

func joinHostPort(host, port string) string {
	return bracketIPv6(host) + ":" + port
}

func bracketIPv6(host string) string {
	for i := 0; i < len(host); i++ {
		if host[i] == ':' {
			return "[" + host + "]"
		}
	}
	return host
}

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
)

// calculateBackoff returns the delay before reconnect attempt number
// failures+1: base doubled per consecutive failure, capped at maxDelay.
func calculateBackoff(failures int, base, maxDelay time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}
