package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/sse"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/internal/table"
	"github.com/embeddedllm/jamai/pkg/errs"
	pkgmw "github.com/embeddedllm/jamai/pkg/middleware"
	"github.com/embeddedllm/jamai/pkg/models"
)

// rowsResponse is the JSON envelope of non-streaming row generation.
type rowsResponse struct {
	Rows []models.Row `json:"rows"`
}

var okResponse = map[string]bool{"ok": true}

// tableType parses and validates the {tableType} path segment.
func tableType(r *http.Request) (models.TableType, error) {
	t := models.TableType(chi.URLParam(r, "tableType"))
	if !t.Valid() {
		return "", errs.BadInput("unknown table type %q", string(t))
	}
	return t, nil
}

// tableRef builds the table reference for requests whose table id is a path
// segment.
func tableRef(r *http.Request) (store.TableRef, error) {
	ttype, err := tableType(r)
	if err != nil {
		return store.TableRef{}, err
	}
	return refFor(r, ttype, chi.URLParam(r, "tableID"))
}

// bodyRef builds the table reference for requests whose table id arrives in
// the JSON body.
func bodyRef(r *http.Request, tableID string) (store.TableRef, error) {
	ttype, err := tableType(r)
	if err != nil {
		return store.TableRef{}, err
	}
	return refFor(r, ttype, tableID)
}

func refFor(r *http.Request, ttype models.TableType, tableID string) (store.TableRef, error) {
	if tableID == "" {
		return store.TableRef{}, errs.BadInput("table_id is required")
	}
	project := pkgmw.GetProject(r.Context())
	if project == nil {
		return store.TableRef{}, errs.Unauthenticated("request is not project-scoped")
	}
	return store.TableRef{ProjectID: project.ID, Type: ttype, TableID: tableID}, nil
}

// ── Table CRUD ──────────────────────────────────────────────

func (h *Handlers) CreateTable(w http.ResponseWriter, r *http.Request) {
	ttype, err := tableType(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req models.TableCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	project := pkgmw.GetProject(r.Context())
	meta, err := h.Tables.Create(r.Context(), pkgmw.GetOrg(r.Context()), project.ID, ttype, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) ListTables(w http.ResponseWriter, r *http.Request) {
	ttype, err := tableType(r)
	if err != nil {
		respondError(w, err)
		return
	}
	q := r.URL.Query()
	query := store.TableListQuery{
		Offset:   queryInt(q.Get("offset"), 0),
		Limit:    queryInt(q.Get("limit"), 100),
		ParentID: q.Get("parent_id"),
		Search:   q.Get("search_query"),
	}
	project := pkgmw.GetProject(r.Context())
	metas, total, err := h.Tables.List(r.Context(), project.ID, ttype, query, queryBool(q.Get("count_rows")))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.Page[table.Meta]{
		Items: metas, Offset: query.Offset, Limit: query.Limit, Total: total,
	})
}

func (h *Handlers) GetTable(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	meta, err := h.Tables.Get(r.Context(), ref)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) DeleteTable(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.Tables.Delete(r.Context(), ref); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

func (h *Handlers) RenameTable(w http.ResponseWriter, r *http.Request) {
	ttype, err := tableType(r)
	if err != nil {
		respondError(w, err)
		return
	}
	ref, err := refFor(r, ttype, chi.URLParam(r, "tableID"))
	if err != nil {
		respondError(w, err)
		return
	}
	meta, err := h.Tables.Rename(r.Context(), ref, chi.URLParam(r, "newTableID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) DuplicateTable(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	// The duplicate options ride the body; an empty body means a plain copy.
	var req models.TableDuplicateRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	meta, err := h.Tables.Duplicate(r.Context(), ref, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

// ── Columns ─────────────────────────────────────────────────

func (h *Handlers) AddColumns(w http.ResponseWriter, r *http.Request) {
	var req models.ColumnAddRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	meta, err := h.Tables.AddColumns(r.Context(), pkgmw.GetOrg(r.Context()), ref, req.Cols)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) DropColumns(w http.ResponseWriter, r *http.Request) {
	var req models.ColumnDropRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	meta, err := h.Tables.DropColumns(r.Context(), ref, req.ColumnIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) RenameColumns(w http.ResponseWriter, r *http.Request) {
	var req models.ColumnRenameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	meta, err := h.Tables.RenameColumns(r.Context(), ref, req.ColumnMap)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) ReorderColumns(w http.ResponseWriter, r *http.Request) {
	var req models.ColumnReorderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	meta, err := h.Tables.ReorderColumns(r.Context(), ref, req.ColumnIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) UpdateGenConfig(w http.ResponseWriter, r *http.Request) {
	var req models.GenConfigUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	meta, err := h.Tables.UpdateGenConfig(r.Context(), pkgmw.GetOrg(r.Context()), ref, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

// ── Rows ────────────────────────────────────────────────────

func (h *Handlers) AddRows(w http.ResponseWriter, r *http.Request) {
	var req models.RowAddRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	org := pkgmw.GetOrg(r.Context())

	if !req.Stream {
		rows, err := h.Tables.AddRows(r.Context(), org, ref, &req, nil)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rowsResponse{Rows: rows})
		return
	}

	h.streamRows(w, r, func(ctx context.Context, mux *sse.Mux) error {
		_, err := h.Tables.AddRows(ctx, org, ref, &req, mux)
		return err
	})
}

func (h *Handlers) RegenRows(w http.ResponseWriter, r *http.Request) {
	var req models.RowRegenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	org := pkgmw.GetOrg(r.Context())

	if !req.Stream {
		rows, err := h.Tables.Regen(r.Context(), org, ref, &req, nil)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rowsResponse{Rows: rows})
		return
	}

	h.streamRows(w, r, func(ctx context.Context, mux *sse.Mux) error {
		_, err := h.Tables.Regen(ctx, org, ref, &req, mux)
		return err
	})
}

// streamRows runs one generation job against an event mux and serves the
// resulting SSE stream. A client disconnect cancels the job; a job failure
// before any event still reaches the client as an error frame.
func (h *Handlers) streamRows(w http.ResponseWriter, r *http.Request,
	job func(ctx context.Context, mux *sse.Mux) error) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	mux := sse.NewMux(0)
	done := make(chan error, 1)
	go func() {
		err := job(ctx, mux)
		if err != nil {
			e := errs.AsError(err)
			_ = mux.Emit(ctx, map[string]any{
				"error": errorBody{Error: e, Type: openaiErrorType(errs.HTTPStatus(e.Kind))},
			})
		}
		mux.Close()
		done <- err
	}()

	if err := mux.Serve(ctx, w); err != nil {
		// Client gone or response writer cannot stream: stop the job and
		// drain it so no goroutine outlives the request.
		cancel()
		<-done
		return
	}
	if err := <-done; err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("API: row generation failed")
	}
}

func (h *Handlers) GetRow(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	q := r.URL.Query()
	opt := table.ShapeOptions{
		Columns:       q["columns"],
		FloatDecimals: queryInt(q.Get("float_decimals"), 0),
		VecDecimals:   queryInt(q.Get("vec_decimals"), 0),
	}
	row, err := h.Tables.GetRow(r.Context(), ref, chi.URLParam(r, "rowID"), opt)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

func (h *Handlers) ListRows(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	q := r.URL.Query()
	req := models.RowListRequest{
		Offset:         queryInt(q.Get("offset"), 0),
		Limit:          queryInt(q.Get("limit"), 100),
		OrderBy:        q.Get("order_by"),
		OrderAscending: queryBool(q.Get("order_ascending")),
		Where:          q.Get("where"),
		SearchQuery:    q.Get("search_query"),
		Columns:        q["columns"],
		FloatDecimals:  queryInt(q.Get("float_decimals"), 0),
		VecDecimals:    queryInt(q.Get("vec_decimals"), 0),
	}
	rows, total, err := h.Tables.ListRows(r.Context(), ref, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.Page[models.Row]{
		Items: rows, Offset: req.Offset, Limit: req.Limit, Total: total,
	})
}

func (h *Handlers) UpdateRow(w http.ResponseWriter, r *http.Request) {
	var req models.RowUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.Tables.UpdateRow(r.Context(), pkgmw.GetOrg(r.Context()), ref, &req); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

func (h *Handlers) DeleteRows(w http.ResponseWriter, r *http.Request) {
	var req models.RowDeleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.Tables.DeleteRows(r.Context(), ref, &req); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

func (h *Handlers) DeleteRow(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.Tables.DeleteRow(r.Context(), ref, chi.URLParam(r, "rowID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, okResponse)
}

// ── Search ──────────────────────────────────────────────────

func (h *Handlers) HybridSearch(w http.ResponseWriter, r *http.Request) {
	var req models.HybridSearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := bodyRef(r, req.TableID)
	if err != nil {
		respondError(w, err)
		return
	}
	rows, err := h.Tables.HybridSearch(r.Context(), pkgmw.GetOrg(r.Context()), ref, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rowsResponse{Rows: rows})
}

// ── Import / export ─────────────────────────────────────────

func (h *Handlers) ImportData(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, errs.BadInput("invalid multipart form: %v", err))
		return
	}
	ref, err := bodyRef(r, r.FormValue("table_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, errs.BadInput("file part is required: %v", err))
		return
	}
	defer file.Close()

	delim, err := delimiterFor(r.FormValue("delimiter"), header.Filename)
	if err != nil {
		respondError(w, err)
		return
	}
	rows, err := h.Tables.ImportData(r.Context(), pkgmw.GetOrg(r.Context()), ref, file, delim)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rowsResponse{Rows: rows})
}

// delimiterFor picks the field separator: an explicit one-character value
// wins, otherwise the filename extension decides, defaulting to comma.
func delimiterFor(value, filename string) (rune, error) {
	switch value {
	case "":
		if strings.HasSuffix(strings.ToLower(filename), ".tsv") {
			return '\t', nil
		}
		return ',', nil
	case ",":
		return ',', nil
	case "\t", "\\t", "tab":
		return '\t', nil
	}
	runes := []rune(value)
	if len(runes) != 1 {
		return 0, errs.BadInput("delimiter must be a single character, got %q", value)
	}
	return runes[0], nil
}

func (h *Handlers) ExportData(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	q := r.URL.Query()
	delim, err := delimiterFor(q.Get("delimiter"), "")
	if err != nil {
		respondError(w, err)
		return
	}
	ext := "csv"
	if delim == '\t' {
		ext = "tsv"
	}
	aw := &attachmentWriter{w: w, contentType: "text/csv; charset=utf-8", filename: ref.TableID + "." + ext}
	if err := h.Tables.ExportData(r.Context(), ref, aw, delim, q["columns"]); err != nil {
		if !aw.wrote {
			respondError(w, err)
			return
		}
		// Mid-stream failure: the body is already going out, log and stop.
		log.Warn().Err(err).Str("table_id", ref.TableID).Msg("API: export failed")
	}
}

// attachmentWriter defers the download headers until the first body byte,
// so exports that fail up front still answer as plain JSON errors.
type attachmentWriter struct {
	w           http.ResponseWriter
	contentType string
	filename    string
	wrote       bool
}

func (a *attachmentWriter) Write(b []byte) (int, error) {
	if !a.wrote {
		a.w.Header().Set("Content-Type", a.contentType)
		a.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.filename))
		a.wrote = true
	}
	return a.w.Write(b)
}

func (h *Handlers) ImportTable(w http.ResponseWriter, r *http.Request) {
	ttype, err := tableType(r)
	if err != nil {
		respondError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, errs.BadInput("invalid multipart form: %v", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, errs.BadInput("file part is required: %v", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, errs.BadInput("read upload: %v", err))
		return
	}

	project := pkgmw.GetProject(r.Context())
	meta, err := h.Tables.ImportTable(r.Context(), project.ID, ttype, data, r.FormValue("table_id_dst"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (h *Handlers) ExportTable(w http.ResponseWriter, r *http.Request) {
	ref, err := tableRef(r)
	if err != nil {
		respondError(w, err)
		return
	}
	aw := &attachmentWriter{w: w, contentType: "application/octet-stream", filename: ref.TableID + ".parquet"}
	if err := h.Tables.ExportTable(r.Context(), ref, aw); err != nil {
		if !aw.wrote {
			respondError(w, err)
			return
		}
		log.Warn().Err(err).Str("table_id", ref.TableID).Msg("API: table dump failed")
	}
}

// ── Query parsing ───────────────────────────────────────────

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
