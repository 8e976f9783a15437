// Package executor materializes the generated columns of table rows.
//
// A request to add or regenerate N rows spawns N row walks that run
// concurrently. Within a row, plan layers run in order and the columns of
// one layer run concurrently; a process-wide weighted semaphore bounds
// outstanding provider calls. A failed column writes its error text into
// the cell and the walk continues, so downstream columns interpolate the
// literal "[ERROR] ..." string instead of stalling.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/embeddedllm/jamai/internal/dag"
	"github.com/embeddedllm/jamai/internal/objectstore"
	"github.com/embeddedllm/jamai/internal/rag"
	"github.com/embeddedllm/jamai/internal/registry"
	"github.com/embeddedllm/jamai/internal/router"
	"github.com/embeddedllm/jamai/internal/sse"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/internal/template"
	"github.com/embeddedllm/jamai/internal/tokenizer"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// DefaultMaxConcurrentCols bounds concurrent column generation when nothing
// is configured.
const DefaultMaxConcurrentCols = 8

// FileResolver turns stored file URIs into something a provider can fetch:
// a presigned URL, or the raw bytes when no URL can be minted.
type FileResolver interface {
	Get(ctx context.Context, uri string) (*objectstore.Object, error)
	PresignGet(ctx context.Context, uri string) (string, error)
}

// Executor walks generation plans and writes the results back to the store.
type Executor struct {
	store  store.Store
	router *router.Router
	reg    *registry.Registry
	rag    *rag.Retriever
	plans  *dag.Cache
	files  FileResolver
	code   *CodeRunner
	sem    *semaphore.Weighted
}

// New builds an executor. files and code may be nil: file cells then render
// as their raw URIs and code columns report execution as disabled.
func New(st store.Store, rt *router.Router, reg *registry.Registry, retriever *rag.Retriever,
	plans *dag.Cache, files FileResolver, code *CodeRunner, maxConcurrentCols int) *Executor {
	if maxConcurrentCols <= 0 {
		maxConcurrentCols = DefaultMaxConcurrentCols
	}
	return &Executor{
		store:  st,
		router: rt,
		reg:    reg,
		rag:    retriever,
		plans:  plans,
		files:  files,
		code:   code,
		sem:    semaphore.NewWeighted(int64(maxConcurrentCols)),
	}
}

// AddJob executes the generated columns of freshly added rows and inserts
// them. Rows arrive with their input cells coerced and IDs assigned; output
// columns already holding a user-supplied value are not generated.
type AddJob struct {
	Org    *models.Organization
	Ref    store.TableRef
	Schema *models.TableSchema
	Rows   []models.Row
	// Mux receives per-cell stream events. nil collects silently for a
	// JSON response.
	Mux *sse.Mux
}

// RegenJob re-executes generated columns of existing rows under a strategy.
type RegenJob struct {
	Org      *models.Organization
	Ref      store.TableRef
	Schema   *models.TableSchema
	RowIDs   []string
	Strategy models.RegenStrategy
	// Target is the pivot column for the run_before/run_selected/run_after
	// strategies.
	Target string
	Mux    *sse.Mux
}

// Add runs every row of the job concurrently and inserts each row in its own
// transaction as it completes. A row whose insert fails is logged and left
// out of the result; the other rows still commit. Only context cancellation
// fails the batch.
func (e *Executor) Add(ctx context.Context, job *AddJob) ([]models.Row, error) {
	plan, err := e.plans.Get(job.Ref.Type, job.Schema)
	if err != nil {
		return nil, err
	}
	all, err := plan.ColumnsFor(models.RegenRunAll, "")
	if err != nil {
		return nil, err
	}

	results := make([]models.Row, len(job.Rows))
	rowErrs := make([]error, len(job.Rows))
	var wg sync.WaitGroup
	for i, row := range job.Rows {
		targets := make(map[string]bool, len(all))
		for col := range all {
			if row[col].Value == nil {
				targets[col] = true
			}
		}
		run := &rowRun{
			ex:      e,
			org:     job.Org,
			ref:     job.Ref,
			schema:  job.Schema,
			plan:    plan,
			targets: targets,
			mux:     job.Mux,
			row:     row,
		}
		wg.Add(1)
		go func(i int, run *rowRun) {
			defer wg.Done()
			if err := run.walk(ctx); err != nil {
				rowErrs[i] = err
				return
			}
			run.setCell(models.ColUpdatedAt, models.Cell{Value: time.Now().UTC().Format(time.RFC3339Nano)})
			if err := e.store.InsertRows(ctx, job.Ref, []models.Row{run.row}); err != nil {
				log.Error().Err(err).Str("table_id", job.Ref.TableID).Str("row_id", run.row.ID()).
					Msg("Gen: row insert failed")
				rowErrs[i] = translateStore(err)
				return
			}
			results[i] = run.row
		}(i, run)
	}
	wg.Wait()

	return collect(ctx, results, rowErrs)
}

// Regen re-runs the strategy's column set for each row. Rows are resolved up
// front so an unknown row id fails the request before any provider call.
// Untouched cells keep their values; each row is patched in a single store
// call once its walk finishes.
func (e *Executor) Regen(ctx context.Context, job *RegenJob) ([]models.Row, error) {
	plan, err := e.plans.Get(job.Ref.Type, job.Schema)
	if err != nil {
		return nil, err
	}
	targets, err := plan.ColumnsFor(job.Strategy, job.Target)
	if err != nil {
		return nil, err
	}

	rows := make([]models.Row, len(job.RowIDs))
	for i, id := range job.RowIDs {
		row, err := e.store.GetRow(ctx, job.Ref, id)
		if err != nil {
			return nil, translateStore(err)
		}
		rows[i] = row
	}

	results := make([]models.Row, len(rows))
	rowErrs := make([]error, len(rows))
	var wg sync.WaitGroup
	for i, row := range rows {
		run := &rowRun{
			ex:      e,
			org:     job.Org,
			ref:     job.Ref,
			schema:  job.Schema,
			plan:    plan,
			targets: targets,
			mux:     job.Mux,
			row:     row,
		}
		wg.Add(1)
		go func(i int, run *rowRun) {
			defer wg.Done()
			if err := run.walk(ctx); err != nil {
				rowErrs[i] = err
				return
			}
			cells := make(map[string]models.Cell, len(targets))
			run.mu.Lock()
			for col := range targets {
				cells[col] = run.row[col]
			}
			run.mu.Unlock()
			if err := e.store.UpdateRow(ctx, job.Ref, run.row.ID(), cells); err != nil {
				log.Error().Err(err).Str("table_id", job.Ref.TableID).Str("row_id", run.row.ID()).
					Msg("Gen: row update failed")
				rowErrs[i] = translateStore(err)
				return
			}
			results[i] = run.row
		}(i, run)
	}
	wg.Wait()

	return collect(ctx, results, rowErrs)
}

// collect separates committed rows from per-row failures. Cancellation wins;
// otherwise per-row failures surface only when nothing committed.
func collect(ctx context.Context, results []models.Row, rowErrs []error) ([]models.Row, error) {
	var out []models.Row
	var firstErr error
	for i := range results {
		if rowErrs[i] != nil {
			if firstErr == nil {
				firstErr = rowErrs[i]
			}
			continue
		}
		out = append(out, results[i])
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func translateStore(err error) error {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return errs.NotFound(nf.Entity, nf.Key)
	}
	return err
}

// ── Row walk ────────────────────────────────────────────────

// rowRun is the mutable state of one row's walk through the plan. Column
// goroutines of the same layer write cells concurrently; mu guards the row.
type rowRun struct {
	ex      *Executor
	org     *models.Organization
	ref     store.TableRef
	schema  *models.TableSchema
	plan    *dag.Plan
	targets map[string]bool
	mux     *sse.Mux

	mu  sync.Mutex
	row models.Row
}

// walk executes the plan layer by layer. Layer i+1 starts only after every
// column of layer i finished, success or failure. Only cancellation aborts.
func (r *rowRun) walk(ctx context.Context) error {
	for _, layer := range r.plan.Layers[1:] {
		var wg sync.WaitGroup
		for _, id := range layer {
			if !r.targets[id] {
				continue
			}
			col, ok := r.schema.Column(id)
			if !ok || col.GenConfig == nil {
				continue
			}
			wg.Add(1)
			go func(col *models.ColumnSchema) {
				defer wg.Done()
				r.runColumn(ctx, col)
			}(col)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *rowRun) runColumn(ctx context.Context, col *models.ColumnSchema) {
	if err := r.ex.sem.Acquire(ctx, 1); err != nil {
		return // cancelled while queued; walk reports it
	}
	defer r.ex.sem.Release(1)

	var (
		cell models.Cell
		err  error
	)
	switch col.GenConfig.Object {
	case models.GenObjectLLM:
		cell, err = r.runLLM(ctx, col)
	case models.GenObjectEmbed:
		cell, err = r.runEmbed(ctx, col)
	case models.GenObjectCode:
		cell, err = r.runCode(ctx, col)
	default:
		err = errs.BadInput("column %q: unknown gen_config object %q", col.ID, col.GenConfig.Object)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("table_id", r.ref.TableID).Str("row_id", r.row.ID()).
			Str("column", col.ID).Msg("Gen: column failed")
		r.emitError(ctx, col.ID, err)
		cell = models.Cell{Value: errorText(err)}
	}
	r.setCell(col.ID, cell)
}

// setCell stores a cell, carrying the previous Original forward so a regen
// never loses the user-entered text it replaced.
func (r *rowRun) setCell(id string, cell models.Cell) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.row[id]; ok && cell.Original == nil {
		cell.Original = old.Original
	}
	r.row[id] = cell
}

// lookup resolves template references against the row. A column dropped
// between validation and execution resolves as missing and renders empty.
func (r *rowRun) lookup(ctx context.Context) template.Lookup {
	return func(id string) (template.CellView, bool) {
		col, ok := r.schema.Column(id)
		if !ok {
			return template.CellView{}, false
		}
		r.mu.Lock()
		cell := r.row[id]
		r.mu.Unlock()
		view := template.CellView{Dtype: col.Dtype, Text: models.CellText(cell.Value)}
		if col.Dtype.IsFile() {
			r.ex.resolveFile(ctx, col.Dtype, &view)
		}
		return view, true
	}
}

// ── LLM columns ─────────────────────────────────────────────

func (r *rowRun) runLLM(ctx context.Context, col *models.ColumnSchema) (models.Cell, error) {
	cfg := col.GenConfig.LLM
	lookup := r.lookup(ctx)
	chatCol := r.ref.Type == models.TableTypeChat && col.ID == models.ColAI

	systemTmpl := cfg.SystemPrompt
	if systemTmpl == "" {
		if chatCol {
			systemTmpl = template.DefaultChatSystemPrompt(r.ref.TableID)
		} else {
			systemTmpl = template.DefaultSystemPrompt
		}
	}
	promptTmpl := cfg.Prompt
	if promptTmpl == "" {
		if chatCol {
			promptTmpl = "${" + models.ColUser + "}"
		} else {
			promptTmpl = template.DefaultUserPrompt(r.schema, col.ID)
		}
	}

	system := template.Render(systemTmpl, lookup).Flatten()
	user := template.Render(promptTmpl, lookup)

	var refs *models.References
	ragSystem := ""
	if cfg.RAGParams != nil && r.ex.rag != nil {
		query := template.Render(cfg.RAGParams.SearchQuery, lookup).Flatten()
		res, err := r.ex.rag.Retrieve(ctx, r.org, r.ref.ProjectID, rag.Request{
			Params:   cfg.RAGParams,
			Query:    query,
			UserText: user.Flatten(),
		})
		if err != nil {
			return models.Cell{}, err
		}
		refs = res.References
		ragSystem = res.System
		// The references event precedes every content chunk of the column.
		r.emitReferences(ctx, col.ID, refs)
	}

	msgs := make([]models.ChatMessage, 0, 4)
	if system != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: models.Content(system)})
	}
	if ragSystem != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: models.Content(ragSystem)})
	}
	if cfg.MultiTurn && chatCol {
		msgs = append(msgs, r.chatHistory(ctx)...)
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: user})
	msgs = r.fitContext(ctx, cfg, msgs)

	req := &models.ChatRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		Stop:        cfg.Stop,
	}
	if len(cfg.JSONSchema) > 0 {
		req.ResponseFormat = &models.ResponseFormat{Type: "json_schema", JSONSchema: cfg.JSONSchema}
	}

	if r.mux == nil {
		resp, err := r.ex.router.Completion(ctx, r.org, req)
		if err != nil {
			return models.Cell{}, err
		}
		return models.Cell{Value: coerceLLM(col, resp.Text()), References: refs}, nil
	}

	resp, err := r.ex.router.CompletionStream(ctx, r.org, req, func(c models.ChatChunk) {
		r.emitChunk(ctx, col.ID, c)
	})
	if err != nil {
		if resp == nil {
			return models.Cell{}, err
		}
		// Partial output reached the client and the router already closed
		// the column with an error frame; keep the error as the cell value.
		return models.Cell{Value: errorText(err), References: refs}, nil
	}
	r.emitUsage(ctx, col.ID, resp)
	return models.Cell{Value: coerceLLM(col, resp.Text()), References: refs}, nil
}

// chatHistory replays earlier turns of the thread as alternating user and
// assistant messages, oldest first. Rows at or after this one are excluded;
// uuid7 row ids sort by creation time.
func (r *rowRun) chatHistory(ctx context.Context) []models.ChatMessage {
	rows, _, err := r.ex.store.ListRows(ctx, r.ref, store.RowQuery{
		OrderBy:        models.ColID,
		OrderAscending: true,
		Columns:        []string{models.ColUser, models.ColAI},
	})
	if err != nil {
		log.Warn().Err(err).Str("table_id", r.ref.TableID).Msg("Gen: chat history load failed")
		return nil
	}
	selfID := r.row.ID()
	var msgs []models.ChatMessage
	for _, row := range rows {
		if selfID != "" && row.ID() >= selfID {
			continue
		}
		if u := row.Str(models.ColUser); u != "" {
			msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: models.Content(u)})
		}
		if a := row.Str(models.ColAI); a != "" {
			msgs = append(msgs, models.ChatMessage{Role: models.RoleAssistant, Content: models.Content(a)})
		}
	}
	return msgs
}

// fitContext drops the oldest turns until prompt plus completion budget fit
// the model's window. Unknown models pass through untouched; the router
// rejects genuine overflow with a ContextOverflow error.
func (r *rowRun) fitContext(ctx context.Context, cfg *models.LLMGenConfig, msgs []models.ChatMessage) []models.ChatMessage {
	var (
		mc  *models.ModelConfig
		err error
	)
	if cfg.Model == "" {
		mc, err = r.ex.reg.PickDefault(ctx, r.org, models.CapChat)
	} else {
		mc, err = r.ex.reg.Resolve(ctx, r.org, cfg.Model, models.CapChat)
	}
	if err != nil || mc.ContextLength <= 0 {
		return msgs
	}
	maxTokens := 0
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}
	return tokenizer.TruncateHistory(mc.ID, msgs, mc.ContextLength-maxTokens)
}

// coerceLLM narrows completion text into numeric and boolean columns. Text
// that does not parse is stored verbatim.
func coerceLLM(col *models.ColumnSchema, text string) any {
	switch col.Dtype {
	case models.DtypeInt, models.DtypeFloat, models.DtypeBool:
		if v, err := models.CoerceCellText(col, strings.TrimSpace(text)); err == nil {
			return v
		}
	}
	return text
}

// ── Embed columns ───────────────────────────────────────────

func (r *rowRun) runEmbed(ctx context.Context, col *models.ColumnSchema) (models.Cell, error) {
	cfg := col.GenConfig.Embed
	r.mu.Lock()
	src := models.CellText(r.row[cfg.SourceColumn].Value)
	r.mu.Unlock()
	if strings.TrimSpace(src) == "" {
		return models.Cell{}, nil // null source embeds to null
	}
	resp, err := r.ex.router.Embed(ctx, r.org, &models.EmbedRequest{
		Model: cfg.EmbeddingModel,
		Input: models.EmbedInput{src},
		Type:  models.EmbedTypeDocument,
	})
	if err != nil {
		return models.Cell{}, err
	}
	vecs, err := resp.Vectors()
	if err != nil {
		return models.Cell{}, errs.Wrap(errs.KindUnexpected, err, "decode embedding")
	}
	if len(vecs) == 0 {
		return models.Cell{}, errs.New(errs.KindUnexpected, "embedding response is empty")
	}
	return models.Cell{Value: vecs[0]}, nil
}

// ── Code columns ────────────────────────────────────────────

func (r *rowRun) runCode(ctx context.Context, col *models.ColumnSchema) (models.Cell, error) {
	if !r.ex.code.Enabled() {
		r.emitText(ctx, col.ID, "[ERROR] code execution disabled")
		return models.Cell{Value: "[ERROR] code execution disabled"}, nil
	}
	r.mu.Lock()
	src := models.CellText(r.row[col.GenConfig.Code.SourceColumn].Value)
	r.mu.Unlock()
	out, err := r.ex.code.Run(ctx, src)
	if err != nil {
		return models.Cell{}, err
	}
	v, err := models.CoerceCellText(col, out)
	if err != nil {
		return models.Cell{}, errs.BadInput("code result does not fit column: %v", err)
	}
	r.emitText(ctx, col.ID, out)
	return models.Cell{Value: v}, nil
}

// ── Files ───────────────────────────────────────────────────

// resolveFile fills the provider-facing view of a file cell. Audio inlines
// as base64 (providers take no URL there); images and documents prefer a
// presigned URL and fall back to a data URL.
func (e *Executor) resolveFile(ctx context.Context, dtype models.ColumnDtype, view *template.CellView) {
	uri := view.Text
	if uri == "" {
		return
	}
	if e.files == nil {
		view.FileURL = uri
		return
	}
	if dtype == models.DtypeAudio {
		obj, err := e.files.Get(ctx, uri)
		if err != nil {
			log.Warn().Err(err).Str("uri", uri).Msg("Gen: audio fetch failed")
			return
		}
		view.AudioData = base64.StdEncoding.EncodeToString(obj.Data)
		view.AudioFormat = strings.TrimPrefix(path.Ext(uri), ".")
		return
	}
	if url, err := e.files.PresignGet(ctx, uri); err == nil && url != "" {
		view.FileURL = url
		return
	}
	obj, err := e.files.Get(ctx, uri)
	if err != nil {
		log.Warn().Err(err).Str("uri", uri).Msg("Gen: file fetch failed")
		view.FileURL = uri
		return
	}
	view.FileURL = "data:" + obj.ContentType + ";base64," + base64.StdEncoding.EncodeToString(obj.Data)
}

// ── Stream events ───────────────────────────────────────────

func (r *rowRun) emit(ctx context.Context, v any) {
	if r.mux == nil {
		return
	}
	// A send failure means the consumer is gone; the walk stops at the next
	// cancellation check.
	_ = r.mux.Emit(ctx, v)
}

func (r *rowRun) emitReferences(ctx context.Context, colID string, refs *models.References) {
	if refs == nil {
		return
	}
	r.emit(ctx, &models.CellReferences{
		Object:           models.ObjectReferences,
		RowID:            r.row.ID(),
		OutputColumnName: colID,
		Chunks:           refs.Chunks,
		SearchQuery:      refs.SearchQuery,
	})
}

func (r *rowRun) emitChunk(ctx context.Context, colID string, c models.ChatChunk) {
	r.emit(ctx, &models.CellChunk{
		ID:               c.ID,
		Object:           models.ObjectCellChunk,
		Created:          c.Created,
		Model:            c.Model,
		RowID:            r.row.ID(),
		OutputColumnName: colID,
		Choices:          c.Choices,
		Usage:            c.Usage,
	})
}

// emitUsage closes a streamed column with its usage-only tail chunk.
func (r *rowRun) emitUsage(ctx context.Context, colID string, resp *models.ChatResponse) {
	usage := resp.Usage
	r.emit(ctx, &models.CellChunk{
		ID:               resp.ID,
		Object:           models.ObjectCellChunk,
		Created:          time.Now().Unix(),
		Model:            resp.Model,
		RowID:            r.row.ID(),
		OutputColumnName: colID,
		Usage:            &usage,
	})
}

// emitText sends a whole non-streamed value as a single closing chunk.
func (r *rowRun) emitText(ctx context.Context, colID, text string) {
	r.emit(ctx, &models.CellChunk{
		ID:               uuid.NewString(),
		Object:           models.ObjectCellChunk,
		Created:          time.Now().Unix(),
		RowID:            r.row.ID(),
		OutputColumnName: colID,
		Choices: []models.ChunkChoice{{
			Delta:        models.ChunkDelta{Content: text},
			FinishReason: models.FinishStop,
		}},
	})
}

func (r *rowRun) emitError(ctx context.Context, colID string, err error) {
	r.emit(ctx, &models.CellChunk{
		ID:               uuid.NewString(),
		Object:           models.ObjectCellChunk,
		Created:          time.Now().Unix(),
		RowID:            r.row.ID(),
		OutputColumnName: colID,
		Choices: []models.ChunkChoice{{
			Delta:        models.ChunkDelta{Content: errorText(err)},
			FinishReason: models.FinishError,
		}},
	})
}

// errorText renders a failure as the literal cell value downstream columns
// interpolate. Context overflow keeps the short spelling clients match on.
func errorText(err error) string {
	e := errs.AsError(err)
	if e.Kind == errs.KindContextOverflow {
		return "[ERROR] context length exceeded"
	}
	return fmt.Sprintf("[ERROR] %s: %s", e.Kind, e.Message)
}
