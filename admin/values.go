package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/livebind/binding"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
)

const readTimeout = 10 * time.Second

// handleValue reads a path through the binding cache. Listings accept
// ?limit= and ?order_by=.
func (h *Handlers) handleValue(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	if err := treepath.Validate(raw); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	p := treepath.Clean(raw)

	opts := binding.Options{OrderBy: r.URL.Query().Get("order_by")}
	if r.URL.Query().Get("limit") != "" {
		limit, err := parseLimit(r)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Limit = limit
	}
	if strings.EqualFold(r.URL.Query().Get("array"), "true") {
		opts.Array = true
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	v, err := h.cache.Bind(p, opts).Read(ctx)
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"path":  p,
		"value": value.ToAny(v),
	})
}
