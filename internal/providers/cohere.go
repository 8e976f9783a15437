package providers

import (
	"context"
	"net/http"
	"sort"

	"github.com/embeddedllm/jamai/pkg/models"
)

const defaultCohereBase = "https://api.cohere.com"

// cohereAdapter serves embeddings and rerank through the Cohere v1 API.
type cohereAdapter struct {
	client *http.Client
}

func (c *cohereAdapter) headers(call Call) map[string]string {
	return map[string]string{"Authorization": "Bearer " + call.APIKey}
}

// ── Embeddings ──────────────────────────────────────────────

type cohereEmbedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
	// InputType distinguishes indexed documents from search queries; Cohere
	// embeds them asymmetrically.
	InputType string `json:"input_type"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Meta       struct {
		BilledUnits struct {
			InputTokens int `json:"input_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

func cohereInputType(t string) string {
	if t == models.EmbedTypeQuery {
		return "search_query"
	}
	return "search_document"
}

func (c *cohereAdapter) Embed(ctx context.Context, call Call, req *models.EmbedRequest) (*models.EmbedResponse, error) {
	p := call.Deployment.Provider
	wire := cohereEmbedRequest{
		Model:     call.RoutingName(),
		Texts:     req.Input,
		InputType: cohereInputType(req.Type),
	}
	resp, err := postJSON(ctx, c.client, baseURL(call.Deployment, defaultCohereBase)+"/v1/embed", c.headers(call), wire)
	if err != nil {
		return nil, mapTransport(p, err)
	}
	var out cohereEmbedResponse
	if err := decodeOrFail(p, resp, &out); err != nil {
		return nil, err
	}

	data := make([]models.EmbedData, len(out.Embeddings))
	for i, vec := range out.Embeddings {
		var emb any = vec
		if req.EncodingFormat == models.EncodingBase64 {
			emb = encodeBase64(vec)
		}
		data[i] = models.EmbedData{Object: "embedding", Index: i, Embedding: emb}
	}
	tokens := out.Meta.BilledUnits.InputTokens
	return &models.EmbedResponse{
		Object: "list",
		Data:   data,
		Model:  call.Model.ID,
		Usage:  models.Usage{PromptTokens: tokens, TotalTokens: tokens},
	}, nil
}

// ── Rerank ──────────────────────────────────────────────────

type cohereRerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
}

type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
		Document       *struct {
			Text string `json:"text"`
		} `json:"document"`
	} `json:"results"`
	Meta struct {
		BilledUnits struct {
			SearchUnits int `json:"search_units"`
		} `json:"billed_units"`
	} `json:"meta"`
}

func (c *cohereAdapter) Rerank(ctx context.Context, call Call, req *models.RerankRequest) (*models.RerankResponse, error) {
	p := call.Deployment.Provider
	wire := cohereRerankRequest{
		Model:           call.RoutingName(),
		Query:           req.Query,
		Documents:       req.Documents,
		TopN:            req.TopN,
		ReturnDocuments: req.ReturnDocuments,
	}
	resp, err := postJSON(ctx, c.client, baseURL(call.Deployment, defaultCohereBase)+"/v1/rerank", c.headers(call), wire)
	if err != nil {
		return nil, mapTransport(p, err)
	}
	var out cohereRerankResponse
	if err := decodeOrFail(p, resp, &out); err != nil {
		return nil, err
	}

	results := make([]models.RerankResult, len(out.Results))
	for i, r := range out.Results {
		results[i] = models.RerankResult{Index: r.Index, RelevanceScore: r.RelevanceScore}
		if r.Document != nil {
			results[i].Document = &models.RerankDocument{Text: r.Document.Text}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	units := out.Meta.BilledUnits.SearchUnits
	if units == 0 {
		units = 1
	}
	return &models.RerankResponse{
		Object:  "rerank",
		Model:   call.Model.ID,
		Results: results,
		Usage:   models.Usage{TotalTokens: units},
	}, nil
}
