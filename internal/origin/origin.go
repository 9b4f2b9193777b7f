// Package origin normalizes browser Origin headers and enforces the allowlist
// used on browser-facing routes, including the WebSocket signaling upgrade.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparison. The special Origin value "null" is allowed
// and returned as-is.
func Normalize(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}

	var port uint64
	if raw := u.Port(); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		port = n
	}
	// Default ports are equivalent to no port.
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether the normalized origin may access the given
// request host.
//
// When allowedOrigins is non-empty, each entry must be "*" or a normalized
// origin string as produced by Normalize. Otherwise the default policy is
// same-host only; scheme is intentionally not compared because the relay may
// sit behind a TLS-terminating proxy and see HTTP while the browser Origin is
// HTTPS.
func IsAllowed(normalized, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	if normalized == "null" {
		return false
	}
	return equivalentHost(originHost) == equivalentHost(requestHost)
}

func equivalentHost(host string) string {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return strings.ToLower(host)
	}
	if p == "80" || p == "443" {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}
