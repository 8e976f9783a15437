package table

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/executor"
	"github.com/embeddedllm/jamai/internal/rag"
	"github.com/embeddedllm/jamai/internal/sse"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// hybridSearchLimitDefault applies when a search request leaves k unset.
const hybridSearchLimitDefault = listLimitMax

// ShapeOptions controls how rows render on the way out: column projection,
// float rounding and vector handling. Info columns are always included;
// VecDecimals < 0 drops vector columns entirely.
type ShapeOptions struct {
	Columns       []string
	FloatDecimals int
	VecDecimals   int
}

// ── Add / regen ─────────────────────────────────────────────

// AddRows coerces the supplied cells, assigns row ids and hands the batch
// to the executor, which generates the missing output columns and inserts
// each row transactionally. mux may be nil for a JSON response.
func (s *Service) AddRows(ctx context.Context, org *models.Organization, ref store.TableRef,
	req *models.RowAddRequest, mux *sse.Mux) ([]models.Row, error) {
	if len(req.Data) == 0 {
		return nil, errs.BadInput("data must not be empty")
	}
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}

	rows := make([]models.Row, len(req.Data))
	for i, data := range req.Data {
		row, err := buildRow(schema, data)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}

	return s.ex.Add(ctx, &executor.AddJob{
		Org: org, Ref: ref, Schema: schema, Rows: rows, Mux: mux,
	})
}

// buildRow coerces one wire data map into a stored row with a fresh uuid7
// id. Supplied values for output columns are kept; the executor skips them.
func buildRow(schema *models.TableSchema, data map[string]any) (models.Row, error) {
	row := models.Row{}
	for key, v := range data {
		if models.IsInfoColumn(key) {
			return nil, errs.BadInput("column %q is system-managed", key)
		}
		col, ok := schema.Column(key)
		if !ok {
			return nil, errs.BadInput("column %q does not exist", key)
		}
		coerced, err := models.CoerceCell(col, v)
		if err != nil {
			return nil, errs.BadInput("%s", err)
		}
		row[key] = models.Cell{Value: coerced}
	}
	row[models.ColID] = models.Cell{Value: uuid.Must(uuid.NewV7()).String()}
	return row, nil
}

// Regen re-runs generated columns of existing rows under the requested
// strategy. Strategies other than run_all pivot on OutputColumnID; a
// missing or unknown pivot is a not-found error.
func (s *Service) Regen(ctx context.Context, org *models.Organization, ref store.TableRef,
	req *models.RowRegenRequest, mux *sse.Mux) ([]models.Row, error) {
	if len(req.RowIDs) == 0 {
		return nil, errs.BadInput("row_ids must not be empty")
	}
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}
	return s.ex.Regen(ctx, &executor.RegenJob{
		Org: org, Ref: ref, Schema: schema, RowIDs: req.RowIDs,
		Strategy: req.RegenStrategy, Target: req.OutputColumnID, Mux: mux,
	})
}

// ── Read / update / delete ──────────────────────────────────

// GetRow returns one row shaped by opt.
func (s *Service) GetRow(ctx context.Context, ref store.TableRef, rowID string, opt ShapeOptions) (models.Row, error) {
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}
	if err := validateColumns(schema, opt.Columns); err != nil {
		return nil, err
	}
	row, err := s.store.GetRow(ctx, ref, rowID)
	if err != nil {
		return nil, translateStore(err)
	}
	return shapeRow(schema, row, opt), nil
}

// UpdateRow patches cells of one row. The first manual overwrite of a
// generated cell preserves the generated value in original; embed columns
// whose source column changed are re-embedded so search stays consistent.
func (s *Service) UpdateRow(ctx context.Context, org *models.Organization, ref store.TableRef,
	req *models.RowUpdateRequest) error {
	if len(req.Data) == 0 {
		return errs.BadInput("data must not be empty")
	}
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return translateStore(err)
	}
	row, err := s.store.GetRow(ctx, ref, req.RowID)
	if err != nil {
		return translateStore(err)
	}

	cells := make(map[string]models.Cell, len(req.Data))
	for key, v := range req.Data {
		if models.IsInfoColumn(key) {
			return errs.BadInput("column %q is system-managed", key)
		}
		col, ok := schema.Column(key)
		if !ok {
			return errs.BadInput("column %q does not exist", key)
		}
		coerced, err := models.CoerceCell(col, v)
		if err != nil {
			return errs.BadInput("%s", err)
		}
		cell := models.Cell{Value: coerced}
		if old, ok := row[key]; ok && col.IsOutput() {
			cell.Original = old.Original
			if cell.Original == nil {
				cell.Original = old.Value
			}
			cell.References = old.References
		}
		cells[key] = cell
	}

	if err := s.store.UpdateRow(ctx, ref, req.RowID, cells); err != nil {
		return translateStore(err)
	}
	return s.reembed(ctx, org, ref, schema, req.RowID, cells)
}

// reembed regenerates embed columns whose source column was just patched.
func (s *Service) reembed(ctx context.Context, org *models.Organization, ref store.TableRef,
	schema *models.TableSchema, rowID string, patched map[string]models.Cell) error {
	for i := range schema.Cols {
		col := &schema.Cols[i]
		if col.GenConfig == nil || col.GenConfig.Embed == nil {
			continue
		}
		if _, ok := patched[col.GenConfig.Embed.SourceColumn]; !ok {
			continue
		}
		_, err := s.ex.Regen(ctx, &executor.RegenJob{
			Org: org, Ref: ref, Schema: schema, RowIDs: []string{rowID},
			Strategy: models.RegenRunSelected, Target: col.ID,
		})
		if err != nil {
			log.Error().Err(err).Str("table_id", ref.TableID).Str("column", col.ID).
				Msg("Table: re-embed after update failed")
			return err
		}
	}
	return nil
}

// DeleteRows removes rows by id list or by filter. One of the two
// selectors is required; deleting a whole table goes through table delete.
func (s *Service) DeleteRows(ctx context.Context, ref store.TableRef, req *models.RowDeleteRequest) error {
	if len(req.RowIDs) == 0 && strings.TrimSpace(req.Where) == "" {
		return errs.BadInput("row_ids or where is required")
	}
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return translateStore(err)
	}
	var filter *store.Filter
	if strings.TrimSpace(req.Where) != "" {
		filter, err = store.ParseFilter(req.Where, schema)
		if err != nil {
			return err
		}
	}
	return translateStore(s.store.DeleteRows(ctx, ref, req.RowIDs, filter))
}

// DeleteRow removes one row, failing if it does not exist.
func (s *Service) DeleteRow(ctx context.Context, ref store.TableRef, rowID string) error {
	if _, err := s.store.GetRow(ctx, ref, rowID); err != nil {
		return translateStore(err)
	}
	return translateStore(s.store.DeleteRows(ctx, ref, []string{rowID}, nil))
}

// ListRows pages rows with filtering, search, ordering and shaping.
func (s *Service) ListRows(ctx context.Context, ref store.TableRef, req *models.RowListRequest) ([]models.Row, int, error) {
	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, 0, translateStore(err)
	}
	if req.Limit <= 0 || req.Limit > listLimitMax {
		return nil, 0, errs.BadInput("limit must be between 1 and %d", listLimitMax)
	}
	if req.Offset < 0 {
		return nil, 0, errs.BadInput("offset must not be negative")
	}
	if req.OrderBy != "" {
		if _, ok := schema.Column(req.OrderBy); !ok {
			return nil, 0, errs.NotFound("column", req.OrderBy)
		}
	}
	opt := ShapeOptions{Columns: req.Columns, FloatDecimals: req.FloatDecimals, VecDecimals: req.VecDecimals}
	if err := validateColumns(schema, opt.Columns); err != nil {
		return nil, 0, err
	}

	var filter *store.Filter
	if strings.TrimSpace(req.Where) != "" {
		filter, err = store.ParseFilter(req.Where, schema)
		if err != nil {
			return nil, 0, err
		}
	}

	rows, total, err := s.store.ListRows(ctx, ref, store.RowQuery{
		Offset:         req.Offset,
		Limit:          req.Limit,
		OrderBy:        req.OrderBy,
		OrderAscending: req.OrderAscending,
		Filter:         filter,
		SearchQuery:    req.SearchQuery,
	})
	if err != nil {
		return nil, 0, translateStore(err)
	}
	out := make([]models.Row, len(rows))
	for i, r := range rows {
		out[i] = shapeRow(schema, r, opt)
	}
	return out, total, nil
}

// ── Hybrid search ───────────────────────────────────────────

// HybridSearch runs vector search on every embed-configured vector column
// plus keyword search on the indexed text columns, fuses the rankings with
// RRF, optionally reranks, and returns shaped rows carrying their fused
// score as an rrf_score cell.
func (s *Service) HybridSearch(ctx context.Context, org *models.Organization, ref store.TableRef,
	req *models.HybridSearchRequest) ([]models.Row, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errs.BadInput("query must not be empty")
	}
	k := req.K
	if k <= 0 {
		k = hybridSearchLimitDefault
	}
	if k > listLimitMax {
		return nil, errs.BadInput("k must be between 1 and %d", listLimitMax)
	}

	schema, err := s.store.GetTable(ctx, ref)
	if err != nil {
		return nil, translateStore(err)
	}
	vectorCols, textCols := searchableColumns(schema)
	if len(vectorCols) == 0 && len(textCols) == 0 {
		return nil, errs.BadInput("table %q has no searchable columns", ref.TableID)
	}

	var rankings [][]store.ScoredRow
	for _, col := range vectorCols {
		hits, err := s.vectorSearch(ctx, org, ref, col, query, k)
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, hits)
	}
	if len(textCols) > 0 {
		hits, err := s.store.KeywordSearch(ctx, ref, query, textCols, k)
		if err != nil {
			return nil, translateStore(err)
		}
		rankings = append(rankings, hits)
	}

	fused := rag.Fuse(k, rankings...)
	if req.RerankingModel != nil && *req.RerankingModel != "" && len(fused) > 1 {
		fused, err = s.rerankRows(ctx, org, *req.RerankingModel, query, textCols, fused)
		if err != nil {
			return nil, err
		}
	}

	opt := ShapeOptions{FloatDecimals: req.FloatDecimals, VecDecimals: req.VecDecimals}
	out := make([]models.Row, len(fused))
	for i, hit := range fused {
		row := shapeRow(schema, hit.Row, opt)
		row["rrf_score"] = models.Cell{Value: hit.Score}
		out[i] = row
	}
	log.Debug().Str("table_id", ref.TableID).Str("query", query).
		Int("rows", len(out)).Msg("Table: hybrid search")
	return out, nil
}

// searchableColumns splits the schema into embed-configured vector columns
// and indexed text columns.
func searchableColumns(schema *models.TableSchema) (vectorCols []*models.ColumnSchema, textCols []string) {
	for i := range schema.Cols {
		col := &schema.Cols[i]
		switch {
		case col.IsVector() && col.GenConfig != nil && col.GenConfig.Embed != nil:
			vectorCols = append(vectorCols, col)
		case col.Dtype == models.DtypeStr && col.Index && !models.IsInfoColumn(col.ID):
			textCols = append(textCols, col.ID)
		}
	}
	return vectorCols, textCols
}

// vectorSearch embeds the query with the column's own model and searches
// the column. Unlike RAG retrieval this is an explicit search endpoint, so
// failures surface instead of degrading.
func (s *Service) vectorSearch(ctx context.Context, org *models.Organization, ref store.TableRef,
	col *models.ColumnSchema, query string, k int) ([]store.ScoredRow, error) {
	resp, err := s.router.Embed(ctx, org, &models.EmbedRequest{
		Model: col.GenConfig.Embed.EmbeddingModel,
		Input: models.EmbedInput{query},
		Type:  models.EmbedTypeQuery,
	})
	if err != nil {
		return nil, err
	}
	vecs, err := resp.Vectors()
	if err != nil {
		return nil, errs.Wrap(errs.KindUnexpected, err, "embed query")
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	hits, err := s.store.VectorSearch(ctx, ref, col.ID, vecs[0], k)
	if err != nil {
		return nil, translateStore(err)
	}
	return hits, nil
}

// rerankRows reorders fused hits by reranker relevance, feeding it the
// concatenated indexed text of each row.
func (s *Service) rerankRows(ctx context.Context, org *models.Organization, model, query string,
	textCols []string, fused []store.ScoredRow) ([]store.ScoredRow, error) {
	docs := make([]string, len(fused))
	for i, hit := range fused {
		var parts []string
		for _, col := range textCols {
			if v := hit.Row.Str(col); v != "" {
				parts = append(parts, v)
			}
		}
		docs[i] = strings.Join(parts, "\n")
	}
	resp, err := s.router.Rerank(ctx, org, &models.RerankRequest{
		Model:     model,
		Query:     query,
		Documents: docs,
		TopN:      len(docs),
	})
	if err != nil {
		return nil, err
	}
	out := make([]store.ScoredRow, 0, len(fused))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(fused) {
			continue
		}
		out = append(out, fused[res.Index])
	}
	return out, nil
}

// ── Row shaping ─────────────────────────────────────────────

// validateColumns checks a projection list against the schema.
func validateColumns(schema *models.TableSchema, columns []string) error {
	for _, c := range columns {
		if _, ok := schema.Column(c); !ok {
			return errs.NotFound("column", c)
		}
	}
	return nil
}

// shapeRow renders a stored row for the wire: schema columns only (stale
// cells from dropped columns vanish), projection applied, numbers rounded.
// Missing cells surface as explicit nulls.
func shapeRow(schema *models.TableSchema, row models.Row, opt ShapeOptions) models.Row {
	var keep map[string]bool
	if len(opt.Columns) > 0 {
		keep = make(map[string]bool, len(opt.Columns))
		for _, c := range opt.Columns {
			keep[c] = true
		}
	}
	out := make(models.Row, len(schema.Cols))
	for i := range schema.Cols {
		col := &schema.Cols[i]
		if keep != nil && !keep[col.ID] && !models.IsInfoColumn(col.ID) {
			continue
		}
		if col.IsVector() && opt.VecDecimals < 0 {
			continue
		}
		out[col.ID] = roundCell(col, row[col.ID], opt)
	}
	return out
}

func roundCell(col *models.ColumnSchema, cell models.Cell, opt ShapeOptions) models.Cell {
	switch {
	case col.Dtype == models.DtypeFloat && opt.FloatDecimals > 0:
		if f, ok := cell.Value.(float64); ok {
			cell.Value = roundTo(f, opt.FloatDecimals)
		}
		if f, ok := cell.Original.(float64); ok {
			cell.Original = roundTo(f, opt.FloatDecimals)
		}
	case col.IsVector() && opt.VecDecimals > 0:
		if vec, ok := cell.Value.([]float32); ok {
			rounded := make([]float32, len(vec))
			for i, v := range vec {
				rounded[i] = float32(roundTo(float64(v), opt.VecDecimals))
			}
			cell.Value = rounded
		}
	}
	return cell
}

func roundTo(f float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(f*pow) / pow
}
