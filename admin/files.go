package admin

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/livebind/attachment"
	"github.com/maxpert/livebind/blob"
	"github.com/rs/zerolog/log"
)

// handleBlob streams folder/id. This is the address blob.FS hands out as
// the attachment URL.
func (h *Handlers) handleBlob(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	id := chi.URLParam(r, "id")

	rc, err := h.blobs.Open(r.Context(), folder, id)
	if errors.Is(err, blob.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "blob not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	defer rc.Close()

	contentType := "application/octet-stream"
	if h.registry != nil {
		if rec, err := h.registry.Record(r.Context(), id); err == nil {
			if rec.Type != "" {
				contentType = rec.Type
			}
			if rec.Name != "" {
				w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(rec.Name))
			}
		}
	}
	w.Header().Set("Content-Type", contentType)

	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("folder", folder).Str("id", id).Msg("Failed to stream blob")
	}
}

// handleRecord returns the attachment record for a storage id
func (h *Handlers) handleRecord(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeErrorResponse(w, http.StatusNotFound, "attachments are disabled")
		return
	}

	rec, err := h.registry.Record(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, attachment.ErrUnknownAttachment) {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{"record": rec}
	if !rec.Removed() && rec.UploadError == "" {
		if u, err := h.registry.URL(r.Context(), rec.Ref()); err == nil {
			response["url"] = u
		}
	}
	writeJSONResponse(w, response)
}
