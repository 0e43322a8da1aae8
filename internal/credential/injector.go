// Package credential resolves the API profile for an outbound URL and
// applies that profile's authentication to the outbound request.
package credential

import (
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"api-broker/internal/config"
)

// Resolver maps URLs to API profiles by longest endpoint prefix.
//
// Matching only happens on a path boundary: "https://api.example.com/v1"
// matches ".../v1" and ".../v1/users" but not ".../v10". Scheme and host
// compare case-insensitively, as they do in the allow-list; the path is
// compared exactly. Two profiles with the same endpoint are ambiguous; the
// one whose name sorts first wins and the collision is logged when the
// resolver is built.
type Resolver struct {
	entries []entry
}

type entry struct {
	prefix  string // endpoint with scheme and host folded to lower case
	profile config.APIProfile
}

// NewResolver orders the profiles of cfg for lookup.
func NewResolver(cfg *config.Config, logger *slog.Logger) *Resolver {
	var profiles []config.APIProfile
	for _, p := range cfg.Profiles() {
		if p.Endpoint != "" {
			profiles = append(profiles, p)
		}
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return len(profiles[i].Endpoint) > len(profiles[j].Endpoint)
	})

	entries := make([]entry, 0, len(profiles))
	seen := make(map[string]string, len(profiles))
	for _, p := range profiles {
		prefix := foldOrigin(p.Endpoint)
		if first, dup := seen[prefix]; dup {
			logger.Warn("api profiles share an endpoint; the first by name is used",
				"endpoint", p.Endpoint,
				"used", first,
				"ignored", p.Name,
			)
			continue
		}
		seen[prefix] = p.Name
		entries = append(entries, entry{prefix: prefix, profile: p})
	}

	return &Resolver{entries: entries}
}

// Find returns the profile with the longest endpoint that prefixes rawURL.
func (r *Resolver) Find(rawURL string) (config.APIProfile, bool) {
	u := foldOrigin(rawURL)
	for _, e := range r.entries {
		if matchesPrefix(u, e.prefix) {
			return e.profile, true
		}
	}
	return config.APIProfile{}, false
}

// foldOrigin lower-cases the scheme://host part of u and leaves the rest.
func foldOrigin(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return u
	}
	end := len(u)
	if j := strings.IndexAny(u[i+3:], "/?#"); j >= 0 {
		end = i + 3 + j
	}
	return strings.ToLower(u[:end]) + u[end:]
}

func matchesPrefix(rawURL, endpoint string) bool {
	if !strings.HasPrefix(rawURL, endpoint) {
		return false
	}
	if len(rawURL) == len(endpoint) || strings.HasSuffix(endpoint, "/") {
		return true
	}
	switch rawURL[len(endpoint)] {
	case '/', '?', '#':
		return true
	}
	return false
}

// Apply injects the profile's credential into req. Header schemes replace
// any caller-supplied value of the same header. api_key appends its pair to
// the query and drops any caller pair of the same name; every other pair is
// sent byte for byte in its original order.
func Apply(req *http.Request, p config.APIProfile) {
	switch p.AuthType {
	case config.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+p.Token)
	case config.AuthAPIHeader:
		req.Header.Set(p.HeaderName, p.Key)
	case config.AuthBasic:
		req.SetBasicAuth(p.Username, p.Password)
	case config.AuthAPIKey:
		req.URL.RawQuery = mergeQueryParam(req.URL.RawQuery, p.KeyParam, p.Key)
	}
}

// mergeQueryParam appends name=value to the raw query. Pairs that are not
// valid form encoding are kept as they are.
func mergeQueryParam(raw, name, value string) string {
	var kept []string
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if key == name {
			continue
		}
		if k, err := url.QueryUnescape(key); err == nil && k == name {
			continue
		}
		kept = append(kept, pair)
	}
	kept = append(kept, url.QueryEscape(name)+"="+url.QueryEscape(value))
	return strings.Join(kept, "&")
}
