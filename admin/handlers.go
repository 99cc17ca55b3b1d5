// Package admin serves attachment downloads and runtime state over HTTP.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/livebind/attachment"
	"github.com/maxpert/livebind/binding"
	"github.com/maxpert/livebind/blob"
	"github.com/maxpert/livebind/feed"
	"github.com/rs/zerolog/log"
)

// Handlers holds the components the admin routes read from. Registry and
// Feed may be nil when those features are off.
type Handlers struct {
	cache    *binding.Cache
	blobs    blob.Backend
	registry *attachment.Registry
	feed     *feed.Publisher
}

// NewHandlers creates Handlers
func NewHandlers(cache *binding.Cache, blobs blob.Backend, registry *attachment.Registry, pub *feed.Publisher) *Handlers {
	return &Handlers{
		cache:    cache,
		blobs:    blobs,
		registry: registry,
		feed:     pub,
	}
}

// writeJSONResponse wraps data in {"data": ...}
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit parameter, defaulting to 256
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}
