// Package origin normalizes and validates request origins against the
// relying-party origin and a configured allow-list of alternate hosts.
// It is used by the canonical-origin middleware and by the device
// redirect broker to reject origins that are not explicitly allowed.
package origin

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidOrigin indicates an origin that is malformed or not on the allow-list.
var ErrInvalidOrigin = errors.New("invalid origin")

// headerFirst returns the first comma-separated value of a header, trimmed.
// Proxies append to X-Forwarded-* headers, so only the first hop counts.
func headerFirst(h http.Header, name string) string {
	v := h.Get(name)
	if v == "" {
		return ""
	}
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

// RequestHost returns the host the client addressed, preferring
// X-Forwarded-Host over the request's own Host.
func RequestHost(r *http.Request) string {
	if host := headerFirst(r.Header, "X-Forwarded-Host"); host != "" {
		return host
	}
	return strings.TrimSpace(r.Host)
}

// RequestOrigin reconstructs the origin the client addressed from proxy
// headers, using fallbackScheme when X-Forwarded-Proto is absent.
// Returns "" when no host can be determined.
func RequestOrigin(r *http.Request, fallbackScheme string) string {
	proto := headerFirst(r.Header, "X-Forwarded-Proto")
	if proto == "" {
		proto = fallbackScheme
	}
	host := RequestHost(r)
	if host == "" {
		return ""
	}
	return proto + "://" + host
}

// RequestFallbackScheme picks the scheme to assume when X-Forwarded-Proto is
// missing: the relying party's scheme when the request addressed the canonical
// host, plain http otherwise. Alternate hosts on a home network typically sit
// behind no TLS terminator.
func RequestFallbackScheme(r *http.Request, rpOrigin string) string {
	rpFallback := "http"
	if strings.HasPrefix(rpOrigin, "https://") {
		rpFallback = "https"
	}
	rpHost, err := Host(rpOrigin)
	if err != nil {
		return rpFallback
	}
	requestHost := RequestHost(r)
	if requestHost == "" {
		return rpFallback
	}
	normalized, err := NormalizeHost(requestHost)
	if err != nil {
		return rpFallback
	}
	if strings.EqualFold(normalized, rpHost) {
		return rpFallback
	}
	return "http"
}

// Normalize canonicalizes an origin string: http/https only, no userinfo,
// lowercased host, default port stripped. Path, query and fragment are
// discarded.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidOrigin
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidOrigin
	}
	if u.Host == "" || u.User != nil {
		return "", ErrInvalidOrigin
	}
	return u.Scheme + "://" + stripDefaultPort(strings.ToLower(u.Host), u.Scheme), nil
}

// Host returns the host[:port] part of a normalized origin, with the
// default port stripped.
func Host(rawOrigin string) (string, error) {
	normalized, err := Normalize(rawOrigin)
	if err != nil {
		return "", err
	}
	_, host, _ := strings.Cut(normalized, "://")
	return host, nil
}

// NormalizeHost canonicalizes an allow-list entry: either a bare host[:port]
// or a full origin. Entries carrying a path, query or fragment are rejected.
func NormalizeHost(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", ErrInvalidOrigin
	}
	if strings.Contains(candidate, "://") {
		return Host(candidate)
	}
	if strings.ContainsAny(candidate, "/?#") {
		return "", ErrInvalidOrigin
	}
	u, err := url.Parse("http://" + candidate)
	if err != nil || u.Host == "" {
		return "", ErrInvalidOrigin
	}
	return stripDefaultPort(strings.ToLower(u.Host), "http"), nil
}

func stripDefaultPort(host, scheme string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// Allowlist holds the canonical relying-party origin and the set of
// normalized hosts that may participate in the device redirect flow.
type Allowlist struct {
	rpOrigin string
	hosts    map[string]struct{}
}

// NewAllowlist builds an Allowlist from the configured rp_origin and
// allowed_hosts. The relying-party host is always a member. Invalid
// configured entries are skipped with a warning rather than failing startup.
func NewAllowlist(rpOrigin string, configuredHosts []string, logger *zap.Logger) (*Allowlist, error) {
	normalized, err := Normalize(rpOrigin)
	if err != nil {
		return nil, err
	}

	hosts := make(map[string]struct{})
	if host, err := Host(normalized); err == nil {
		hosts[host] = struct{}{}
	}
	for _, candidate := range configuredHosts {
		host, err := NormalizeHost(candidate)
		if err != nil {
			logger.Warn("ignoring invalid allowed host", zap.String("host", candidate))
			continue
		}
		hosts[host] = struct{}{}
	}

	return &Allowlist{rpOrigin: normalized, hosts: hosts}, nil
}

// RPOrigin returns the normalized relying-party origin.
func (a *Allowlist) RPOrigin() string {
	return a.rpOrigin
}

// ContainsHost reports whether a normalized host is on the allow-list.
func (a *Allowlist) ContainsHost(host string) bool {
	_, ok := a.hosts[host]
	return ok
}

// AllowedOrigin reports whether an origin string normalizes to an
// allow-listed host.
func (a *Allowlist) AllowedOrigin(rawOrigin string) bool {
	host, err := Host(rawOrigin)
	if err != nil {
		return false
	}
	return a.ContainsHost(host)
}

// CanonicalizeRedirectOrigin validates a client-supplied redirect origin for
// login. The relying-party origin itself yields "" because no cross-origin
// handoff is needed. Any other origin must normalize to an allow-listed host.
func (a *Allowlist) CanonicalizeRedirectOrigin(rawOrigin string) (string, error) {
	if strings.TrimSpace(rawOrigin) == "" {
		return "", nil
	}
	normalized, err := Normalize(rawOrigin)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(normalized, a.rpOrigin) {
		return "", nil
	}
	host, err := Host(normalized)
	if err != nil {
		return "", err
	}
	if !a.ContainsHost(host) {
		return "", ErrInvalidOrigin
	}
	return normalized, nil
}

// CanonicalizeTargetOrigin validates the destination origin for a redirect
// token. Unlike CanonicalizeRedirectOrigin, the relying-party origin maps to
// itself so a handoff URL can always be composed.
func (a *Allowlist) CanonicalizeTargetOrigin(rawOrigin string) (string, error) {
	normalized, err := Normalize(rawOrigin)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(normalized, a.rpOrigin) {
		return a.rpOrigin, nil
	}
	host, err := Host(normalized)
	if err != nil {
		return "", err
	}
	if !a.ContainsHost(host) {
		return "", ErrInvalidOrigin
	}
	return normalized, nil
}

// Origins returns every allow-listed host expanded to both schemes, with the
// rp origin first. Used to configure CORS for the alternate login origins.
func (a *Allowlist) Origins() []string {
	origins := []string{a.rpOrigin}
	rpHost, _ := Host(a.rpOrigin)
	for host := range a.hosts {
		if host == rpHost {
			continue
		}
		origins = append(origins, "http://"+host, "https://"+host)
	}
	return origins
}
