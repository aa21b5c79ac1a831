package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/driftmap/dmap"
	"github.com/maxpert/driftmap/publisher"
	"github.com/rs/zerolog/log"
)

const (
	defaultLimit = 256
	maxLimit     = 1024
)

// SinkStatusProvider reports configured sinks (*publisher.Registry)
type SinkStatusProvider interface {
	Status() []publisher.SinkStatus
}

// AdminHandlers serves the admin API for one map
type AdminHandlers struct {
	m     *dmap.Map
	sinks SinkStatusProvider
}

// NewAdminHandlers creates a new AdminHandlers instance. sinks may be nil.
func NewAdminHandlers(m *dmap.Map, sinks SinkStatusProvider) *AdminHandlers {
	return &AdminHandlers{
		m:     m,
		sinks: sinks,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > maxLimit {
		return 0, fmt.Errorf("limit cannot exceed %d", maxLimit)
	}

	return limit, nil
}

// parseFrom parses from parameter for pagination. Listing starts after it.
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

// keyParam returns the unescaped {key} URL parameter
func keyParam(r *http.Request) (string, error) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	return key, nil
}

// page returns the window of sorted keys after from. lastKey is set only when
// more keys follow.
func page(keys []string, from string, limit int) (window []string, hasMore bool, lastKey string) {
	start := 0
	if from != "" {
		start = sort.SearchStrings(keys, from)
		if start < len(keys) && keys[start] == from {
			start++
		}
	}
	end := min(start+limit, len(keys))
	window = keys[start:end]
	if end < len(keys) {
		return window, true, window[len(window)-1]
	}
	return window, false, ""
}
