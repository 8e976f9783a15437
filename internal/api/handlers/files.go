package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/embeddedllm/jamai/pkg/errs"
)

// GetFile serves GET /v1/files/{bucket}/{key...}: file-column URIs resolve
// to a presigned redirect when the backend can mint one, otherwise the
// bytes stream through.
func (h *Handlers) GetFile(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	if bucket == "" || key == "" {
		respondError(w, errs.BadInput("file path must be bucket/key"))
		return
	}
	uri := "s3://" + bucket + "/" + key

	if url, err := h.Files.PresignGet(r.Context(), uri); err == nil && url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	obj, err := h.Files.Get(r.Context(), uri)
	if err != nil {
		respondError(w, err)
		return
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}
