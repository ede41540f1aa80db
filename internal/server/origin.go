package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// normalizeOrigins returns the canonical scheme://host form of every valid
// origin, whether "*" was present, and the entries that could not be parsed.
func normalizeOrigins(origins []string) ([]string, bool, []string) {
	if len(origins) == 0 {
		return nil, false, nil
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false
	var rejected []string

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
			rejected = append(rejected, origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll, rejected
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	if parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func isOriginAllowed(r *http.Request) bool {
	configMu.RLock()
	allowAll := allowAllOrigins
	configMu.RUnlock()

	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		// Non-browser clients send no Origin; only a wildcard lets them in.
		return allowAll
	}
	if allowAll {
		return true
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()
	_, exists := allowedOrigins[normalizedOrigin]
	return exists
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}

	h.log.Warn("blocked websocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")),
		zap.String("remote_addr", r.RemoteAddr))
	return false
}
