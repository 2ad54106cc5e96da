// Package origin implements the browser Origin checks shared by the WebSocket
// upgrade and the CORS-enabled HTTP endpoints.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] portion used for same-host comparisons. The
// opaque origin "null" is accepted and returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// With a non-empty allowlist, an entry of "*" or an exact normalized origin
// matches. Otherwise only same-host requests are allowed. The scheme is not
// compared because TLS is commonly terminated in front of the relay.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == originHost
}

// Policy evaluates requests against a fixed allowlist.
type Policy struct {
	AllowedOrigins []string
}

// Check inspects the request's Origin header. Requests without one (non-browser
// clients) are allowed and report present=false.
func (p Policy) Check(r *http.Request) (normalized string, present bool, allowed bool) {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return "", false, true
	}
	normalized, host, ok := NormalizeHeader(raw)
	if !ok {
		return "", true, false
	}
	return normalized, true, IsAllowed(normalized, host, r.Host, p.AllowedOrigins)
}

// CheckOrigin matches the signature of websocket.Upgrader.CheckOrigin.
func (p Policy) CheckOrigin(r *http.Request) bool {
	_, _, allowed := p.Check(r)
	return allowed
}

// canonicalHost lowercases the hostname, validates the port, drops the
// scheme's default port and brackets IPv6 literals.
func canonicalHost(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// returned hostname has the brackets removed.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := rawHost[1:end], rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	hostname, port, found := strings.Cut(rawHost, ":")
	if !found {
		return rawHost, "", true
	}
	if hostname == "" || port == "" || strings.Contains(port, ":") {
		return "", "", false
	}
	return hostname, port, true
}
