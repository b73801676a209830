package saml

import (
	"net/url"
	"strings"
)

// RedirectGuard validates post-login redirect targets against an allowlist.
// Anything that does not pass gets replaced by the configured default so the
// login flow never dead-ends on a rejected return URL.
type RedirectGuard struct {
	allowed    []*url.URL
	defaultURL string
}

// NewRedirectGuard builds a guard from pre-validated configuration.
func NewRedirectGuard(allowed []string, defaultURL string) *RedirectGuard {
	g := &RedirectGuard{defaultURL: defaultURL}
	for _, raw := range allowed {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		g.allowed = append(g.allowed, u)
	}
	return g
}

// Validate reports whether the candidate is an acceptable redirect target.
// Relative paths are accepted as long as they cannot be interpreted as
// protocol-relative URLs. Absolute URLs must match an allowlist entry on
// scheme and host and fall under its path prefix.
func (g *RedirectGuard) Validate(candidate string) bool {
	if candidate == "" {
		return false
	}

	// Reject protocol-relative and backslash tricks before parsing.
	if strings.HasPrefix(candidate, "//") || strings.ContainsAny(candidate, "\\\r\n") {
		return false
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}

	// Same-origin relative path.
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(u.Path, "/")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	for _, a := range g.allowed {
		if u.Scheme != a.Scheme || u.Host != a.Host {
			continue
		}
		if pathWithinPrefix(u.Path, a.Path) {
			return true
		}
	}
	return false
}

// Resolve returns the candidate when it passes validation, the default
// redirect otherwise. The second return reports whether a substitution
// happened.
func (g *RedirectGuard) Resolve(candidate string) (string, bool) {
	if g.Validate(candidate) {
		return candidate, false
	}
	return g.defaultURL, true
}

// Default returns the configured fallback redirect.
func (g *RedirectGuard) Default() string {
	return g.defaultURL
}

func pathWithinPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
