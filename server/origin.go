package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

func normalizeOrigins(origins []string) (map[string]struct{}, bool) {
	normalized := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		n, ok := normalizeOrigin(trimmed)
		if !ok {
			slog.Warn("ignoring invalid origin in WS_ALLOWED_ORIGINS", slog.String("origin", origin), slog.String("component", "http"))
			continue
		}
		normalized[n] = struct{}{}
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// newOriginChecker builds the websocket CheckOrigin policy. Requests without
// an Origin header (non-browser clients) pass. With no configured origins,
// development allows any origin and other environments require same host.
func newOriginChecker(origins []string, dev bool) func(*http.Request) bool {
	allowed, allowAll := normalizeOrigins(origins)
	if len(origins) == 0 && dev {
		allowAll = true
	}
	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" || allowAll {
			return true
		}
		origin, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		if len(allowed) == 0 {
			u, _ := url.Parse(origin)
			if strings.EqualFold(u.Host, r.Host) {
				return true
			}
		} else if _, exists := allowed[origin]; exists {
			return true
		}
		slog.Warn("blocked websocket connection from disallowed origin", slog.String("origin", header), slog.String("component", "http"))
		return false
	}
}
