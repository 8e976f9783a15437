package handlers

import (
	"net/http"

	"github.com/embeddedllm/jamai/internal/sse"
	"github.com/embeddedllm/jamai/pkg/errs"
	pkgmw "github.com/embeddedllm/jamai/pkg/middleware"
	"github.com/embeddedllm/jamai/pkg/models"
)

// ChatCompletions serves POST /v1/chat/completions, streaming when the
// request asks for it.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, errs.BadInput("messages must not be empty"))
		return
	}
	org := pkgmw.GetOrg(r.Context())

	if !req.Stream {
		resp, err := h.Router.Completion(r.Context(), org, &req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	// The stream opens lazily on the first chunk, so pre-flight failures
	// (unknown model, context overflow, quota) still answer as plain JSON
	// with their real status.
	ls := &lazyStream{w: w}
	resp, err := h.Router.CompletionStream(r.Context(), org, &req, ls.emit)
	if ls.sw == nil {
		if err != nil {
			respondError(w, err)
			return
		}
		sw, werr := sse.NewWriter(w)
		if werr != nil {
			respondError(w, werr)
			return
		}
		ls.sw = sw
	}
	_ = resp // mid-stream failures already emitted their terminal chunk
	_ = ls.sw.Done()
}

// lazyStream defers switching the response into SSE mode until content
// actually arrives.
type lazyStream struct {
	w  http.ResponseWriter
	sw *sse.Writer
}

func (l *lazyStream) emit(c models.ChatChunk) {
	if l.sw == nil {
		sw, err := sse.NewWriter(l.w)
		if err != nil {
			return
		}
		l.sw = sw
	}
	_ = l.sw.Send(c)
}

// Embeddings serves POST /v1/embeddings.
func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req models.EmbedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		respondError(w, errs.BadInput("input must not be empty"))
		return
	}
	switch req.EncodingFormat {
	case "", models.EncodingFloat, models.EncodingBase64:
	default:
		respondError(w, errs.BadInput("encoding_format must be %q or %q", models.EncodingFloat, models.EncodingBase64))
		return
	}

	resp, err := h.Router.Embed(r.Context(), pkgmw.GetOrg(r.Context()), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Rerank serves POST /v1/rerank.
func (h *Handlers) Rerank(w http.ResponseWriter, r *http.Request) {
	var req models.RerankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == "" {
		respondError(w, errs.BadInput("query must not be empty"))
		return
	}
	if len(req.Documents) == 0 {
		respondError(w, errs.BadInput("documents must not be empty"))
		return
	}

	resp, err := h.Router.Rerank(r.Context(), pkgmw.GetOrg(r.Context()), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListModels serves GET /v1/models: the models visible to the caller's
// organization, optionally narrowed by ?capabilities= and ?id=.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	capability := models.Capability(q.Get("capabilities"))

	list, err := h.Registry.List(r.Context(), pkgmw.GetOrg(r.Context()), capability, q.Get("id"))
	if err != nil {
		respondError(w, err)
		return
	}

	infos := make([]models.ModelInfo, len(list))
	for i, m := range list {
		infos[i] = models.ModelInfo{
			ID:            m.ID,
			Object:        "model",
			Name:          m.Name,
			OwnedBy:       m.OwnedBy,
			Capabilities:  m.Capabilities,
			ContextLength: m.ContextLength,
			Languages:     m.LanguagesSupported,
		}
	}
	respondJSON(w, http.StatusOK, models.ModelListResponse{Object: "list", Data: infos})
}
