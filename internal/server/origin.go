package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

func normalizeOrigins(origins []string, logger *slog.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
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

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// originAllowed reports whether the request's Origin is on the allow-list.
// Requests without an Origin are refused.
func (l *liveSettings) originAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.allowAllOrigins {
		return true
	}

	_, exists := l.allowedOrigins[normalizedOrigin]
	return exists
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.settings.originAllowed(r) {
		return true
	}

	s.logger.Warn("blocked websocket connection from disallowed origin",
		"origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
	return false
}
