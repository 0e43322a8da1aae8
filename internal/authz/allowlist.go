// Package authz gates outbound calls against the origins of configured API profiles.
package authz

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"api-broker/internal/config"
)

// AllowList is the set of scheme://host origins the broker may call.
// It is built once per config load and never modified afterwards.
type AllowList struct {
	origins map[string]struct{}
}

// Build derives the allow-list from the profiles in cfg. Profiles whose
// endpoint does not parse to an http(s) origin are skipped and logged.
func Build(cfg *config.Config, logger *slog.Logger) *AllowList {
	a := &AllowList{origins: make(map[string]struct{}, len(cfg.APIs))}
	for _, p := range cfg.Profiles() {
		origin, err := Origin(p.Endpoint)
		if err != nil {
			logger.Warn("api profile skipped: unusable endpoint",
				"api", p.Name,
				"err", err,
			)
			continue
		}
		a.origins[origin] = struct{}{}
	}
	return a
}

// Origin returns the lower-cased scheme://host of rawURL. The port, when
// present, is part of the host.
func Origin(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" || u.User != nil {
		return "", fmt.Errorf("url %q has no usable host", rawURL)
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

// IsAllowed reports whether the origin of rawURL is in the list.
func (a *AllowList) IsAllowed(rawURL string) bool {
	origin, err := Origin(rawURL)
	if err != nil {
		return false
	}
	_, ok := a.origins[origin]
	return ok
}

// Origins returns the allowed origins in sorted order.
func (a *AllowList) Origins() []string {
	out := make([]string, 0, len(a.origins))
	for o := range a.origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of allowed origins.
func (a *AllowList) Len() int {
	return len(a.origins)
}
