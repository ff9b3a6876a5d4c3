package signaling

import (
	"net/http"
	"net/url"
	"strings"
)

// originAllowed gates browser access to the signaling WebSocket. Requests
// without an Origin header (non-browser clients, same-origin fetches in some
// browsers) pass. With an allowlist configured, the normalized origin must
// match an entry, where "*" matches any. Without one, the policy is same
// host:port as the request; scheme is not compared because a TLS-terminating
// proxy in front of the relay sees http while the browser Origin says https.
func originAllowed(r *http.Request, allowlist []string) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := normalizeAuthority(u.Host, scheme)

	if len(allowlist) > 0 {
		origin := scheme + "://" + host
		for _, allowed := range allowlist {
			allowed = strings.TrimSpace(allowed)
			if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, raw) {
				return true
			}
		}
		return false
	}

	return host == normalizeAuthority(r.Host, scheme)
}

// normalizeAuthority lowercases host[:port] and strips the scheme's default
// port so "example.com:443" and "example.com" compare equal under https.
func normalizeAuthority(authority, scheme string) string {
	authority = strings.ToLower(strings.TrimSpace(authority))
	switch scheme {
	case "http":
		authority = strings.TrimSuffix(authority, ":80")
	case "https":
		authority = strings.TrimSuffix(authority, ":443")
	}
	return authority
}
