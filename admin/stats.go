package admin

import (
	"net/http"
	"strconv"

	"github.com/maxpert/livebind/encoding"
	"github.com/maxpert/livebind/value"
)

// handleBindings returns binding cache counters
func (h *Handlers) handleBindings(w http.ResponseWriter, r *http.Request) {
	s := h.cache.Stats()
	writeJSONResponse(w, map[string]interface{}{
		"mode":           h.cache.Mode().String(),
		"entries":        s.Entries,
		"subscribers":    s.Subscribers,
		"remote":         s.Remote,
		"pending_writes": s.PendingWrites,
	})
}

// handleFeedStatus returns the log head and every sink's cursor
func (h *Handlers) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeErrorResponse(w, http.StatusNotFound, "feed is disabled")
		return
	}

	last := h.feed.Log().LastSeq()
	sinks := make([]map[string]interface{}, 0)
	for _, wk := range h.feed.Workers() {
		cursor := wk.Cursor()
		sinks = append(sinks, map[string]interface{}{
			"name":   wk.Name(),
			"cursor": cursor,
			"lag":    last - min(cursor, last),
		})
	}

	writeJSONResponse(w, map[string]interface{}{
		"last_seq": last,
		"sinks":    sinks,
	})
}

// handleFeedEvents pages through retained feed events
func (h *Handlers) handleFeedEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeErrorResponse(w, http.StatusNotFound, "feed is disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var from uint64
	if s := r.URL.Query().Get("from"); s != "" {
		from, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
	}

	events, err := h.feed.Log().ReadFrom(from, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		item := map[string]interface{}{
			"seq":     ev.Seq,
			"path":    ev.Path,
			"op":      ev.Op,
			"ts_ms":   ev.CommitTS,
			"node_id": ev.NodeID,
		}
		if len(ev.Value) > 0 {
			if v, err := encoding.DecodeValue(ev.Value); err == nil {
				item["value"] = value.ToAny(v)
			}
		}
		out = append(out, item)
	}
	writeJSONResponse(w, out)
}
