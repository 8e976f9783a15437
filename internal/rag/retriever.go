// Package rag augments LLM column generation with knowledge-table context:
// hybrid retrieval, reciprocal rank fusion, an optional rerank pass and the
// [@i] citation prompt.
package rag

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/router"
	"github.com/embeddedllm/jamai/internal/store"
	"github.com/embeddedllm/jamai/pkg/models"
)

// rrfK is the reciprocal-rank-fusion constant: a row at rank i in one
// ranking contributes 1/(rrfK+i+1) to its fused score.
const rrfK = 60

// synthQueryTokens caps the LLM reply when synthesizing a search query.
const synthQueryTokens = 128

// synthesisPrompt asks for a bare query; the reply is searched verbatim.
const synthesisPrompt = "Turn the user's request into one short search query " +
	"for a document database. Reply with only the query."

type Retriever struct {
	store  store.Store
	router *router.Router
}

func New(st store.Store, rt *router.Router) *Retriever {
	return &Retriever{store: st, router: rt}
}

// Request is one retrieval pass for one generated cell.
type Request struct {
	Params *models.RAGParams
	// Query is the interpolated search_query. Empty means synthesize one
	// from UserText with a small LLM call.
	Query string
	// UserText is the rendered user prompt for the cell being generated.
	UserText string
}

// Result carries the references side channel plus the system message block
// holding the chunks. System is empty when nothing was retrieved.
type Result struct {
	References *models.References
	System     string
}

// Retrieve runs the hybrid search pass against the knowledge table named in
// params. Runtime failures degrade to empty references so the LLM call
// proceeds without citations; only context cancellation aborts.
func (r *Retriever) Retrieve(ctx context.Context, org *models.Organization, projectID string, req Request) (*Result, error) {
	k := req.Params.K
	if k <= 0 {
		k = models.DefaultRAGK
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = r.synthesizeQuery(ctx, org, req.UserText)
	}
	empty := &Result{References: &models.References{
		Object:      models.ObjectReferences,
		Chunks:      []models.Chunk{},
		SearchQuery: query,
	}}

	ref := store.TableRef{ProjectID: projectID, Type: models.TableTypeKnowledge, TableID: req.Params.TableID}
	schema, err := r.store.GetTable(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("table_id", ref.TableID).Msg("RAG: knowledge table lookup failed")
		return empty, nil
	}

	chunks, err := r.search(ctx, org, ref, schema, query, k)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("table_id", ref.TableID).Msg("RAG: search failed")
		return empty, nil
	}

	if len(chunks) > 0 && req.Params.RerankingModel != nil && *req.Params.RerankingModel != "" {
		reranked, err := r.rerank(ctx, org, *req.Params.RerankingModel, query, chunks, req.Params.ConcatRerankerInput, k)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn().Err(err).Str("model", *req.Params.RerankingModel).
				Msg("RAG: rerank failed, keeping fused order")
		default:
			chunks = reranked
		}
	}

	log.Debug().Str("table_id", ref.TableID).Str("query", query).
		Int("chunks", len(chunks)).Msg("RAG: retrieval complete")

	res := &Result{References: &models.References{
		Object:      models.ObjectReferences,
		Chunks:      chunks,
		SearchQuery: query,
	}}
	if len(chunks) > 0 {
		res.System = contextBlock(chunks, req.Params.InlineCitations)
	}
	return res, nil
}

// synthesizeQuery condenses the rendered prompt into a search query via the
// org's default chat model. On failure the raw prompt is searched instead.
func (r *Retriever) synthesizeQuery(ctx context.Context, org *models.Organization, userText string) string {
	maxTok := synthQueryTokens
	resp, err := r.router.Completion(ctx, org, &models.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: models.Content(synthesisPrompt)},
			{Role: models.RoleUser, Content: models.Content(userText)},
		},
		MaxTokens: &maxTok,
	})
	if err != nil {
		log.Warn().Err(err).Msg("RAG: query synthesis failed, searching with the raw prompt")
		return userText
	}
	if q := strings.TrimSpace(resp.Text()); q != "" {
		return q
	}
	return userText
}

// search embeds the query, runs both retrieval branches and fuses them.
func (r *Retriever) search(ctx context.Context, org *models.Organization, ref store.TableRef, schema *models.TableSchema, query string, k int) ([]models.Chunk, error) {
	var embedModel string
	for _, col := range schema.Cols {
		if col.ID == models.ColTextEmbed && col.GenConfig != nil && col.GenConfig.Embed != nil {
			embedModel = col.GenConfig.Embed.EmbeddingModel
		}
	}

	var vecHits []store.ScoredRow
	if embedModel != "" {
		eresp, err := r.router.Embed(ctx, org, &models.EmbedRequest{
			Model: embedModel,
			Input: models.EmbedInput{query},
			Type:  models.EmbedTypeQuery,
		})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		vecs, err := eresp.Vectors()
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(vecs) > 0 {
			vecHits, err = r.store.VectorSearch(ctx, ref, models.ColTextEmbed, vecs[0], k)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
		}
	}

	kwHits, err := r.store.KeywordSearch(ctx, ref, query, []string{models.ColTitle, models.ColText}, k)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	fused := Fuse(k, vecHits, kwHits)
	chunks := make([]models.Chunk, len(fused))
	for i, hit := range fused {
		chunks[i] = toChunk(hit)
	}
	return chunks, nil
}

// Fuse merges rankings with reciprocal rank fusion, best first, at most k.
// Ties keep first-seen order so results are deterministic.
func Fuse(k int, lists ...[]store.ScoredRow) []store.ScoredRow {
	fusedBy := make(map[string]*store.ScoredRow)
	var order []string
	for _, list := range lists {
		for rank, hit := range list {
			id := hit.Row.ID()
			f, ok := fusedBy[id]
			if !ok {
				f = &store.ScoredRow{Row: hit.Row}
				fusedBy[id] = f
				order = append(order, id)
			}
			f.Score += 1 / float64(rrfK+rank+1)
		}
	}
	out := make([]store.ScoredRow, 0, len(order))
	for _, id := range order {
		out = append(out, *fusedBy[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func toChunk(hit store.ScoredRow) models.Chunk {
	row := hit.Row
	c := models.Chunk{
		Text:  row.Str(models.ColText),
		Title: row.Str(models.ColTitle),
		RowID: row.ID(),
		Score: hit.Score,
	}
	switch v := row[models.ColPage].Value.(type) {
	case float64:
		c.Page = int(v)
	case int:
		c.Page = v
	}
	if uri := row.Str(models.ColFileID); uri != "" {
		c.FileName = path.Base(uri)
	}
	return c
}

// rerank reorders chunks by reranker relevance and keeps the top k.
func (r *Retriever) rerank(ctx context.Context, org *models.Organization, model, query string, chunks []models.Chunk, concat bool, k int) ([]models.Chunk, error) {
	docs := make([]string, len(chunks))
	for i, c := range chunks {
		if concat {
			docs[i] = c.Title + "\n" + c.Text
		} else {
			docs[i] = c.Text
		}
	}
	resp, err := r.router.Rerank(ctx, org, &models.RerankRequest{
		Model:     model,
		Query:     query,
		Documents: docs,
		TopN:      k,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Chunk, 0, len(resp.Results))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(chunks) {
			continue
		}
		c := chunks[res.Index]
		c.Score = res.RelevanceScore
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// contextBlock renders retrieved chunks as a system message. Labels are
// positional so inline citations can point back at them.
func contextBlock(chunks []models.Chunk, inlineCitations bool) string {
	var sb strings.Builder
	sb.WriteString("Use the following context chunks to complete the user's request.")
	if inlineCitations {
		sb.WriteString(" Cite the chunks you draw on inline by label, e.g. [@0; @2].")
	}
	sb.WriteString("\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "\n[@%d]\n", i)
		if c.Title != "" {
			fmt.Fprintf(&sb, "Title: %s\n", c.Title)
		}
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}
