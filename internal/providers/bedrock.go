package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// bedrockInvoker is the slice of the Bedrock runtime client we use; tests
// stub it.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// bedrockAdapter serves chat (Anthropic model family) and embeddings (Titan,
// Cohere-on-Bedrock) through InvokeModel. Bedrock has no SSE endpoint here;
// stream requests deliver the full completion as one final chunk.
type bedrockAdapter struct {
	mu      sync.Mutex
	clients map[string]bedrockInvoker
}

func newBedrockAdapter() *bedrockAdapter {
	return &bedrockAdapter{clients: make(map[string]bedrockInvoker)}
}

// bedrockRegion extracts the region from api_base, which holds either a bare
// region name or a runtime endpoint URL.
func bedrockRegion(d models.Deployment) string {
	base := d.APIBase
	if base == "" {
		return ""
	}
	if strings.Contains(base, "://") {
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			parts := strings.Split(u.Host, ".")
			if len(parts) >= 3 {
				return parts[1]
			}
		}
		return ""
	}
	return base
}

// client returns a cached runtime client for the deployment. The API key
// slot carries static credentials as "access:secret[:session]"; empty means
// the default AWS credential chain.
func (b *bedrockAdapter) client(ctx context.Context, call Call) (bedrockInvoker, error) {
	region := bedrockRegion(call.Deployment)
	cacheKey := region + "|" + call.APIKey

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[cacheKey]; ok {
		return c, nil
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	if call.APIKey != "" {
		parts := strings.SplitN(call.APIKey, ":", 3)
		if len(parts) < 2 {
			return nil, errs.New(errs.KindProviderAuth, "bedrock credentials must be \"access:secret[:session]\"")
		}
		session := ""
		if len(parts) == 3 {
			session = parts[2]
		}
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(parts[0], parts[1], session),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderAuth, err, "bedrock: AWS configuration failed")
	}
	c := bedrockruntime.NewFromConfig(cfg)
	b.clients[cacheKey] = c
	return c, nil
}

func (b *bedrockAdapter) invoke(ctx context.Context, call Call, payload any) ([]byte, error) {
	c, err := b.client(ctx, call)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Unexpected(err)
	}
	out, err := c.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(call.RoutingName()),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}
	return out.Body, nil
}

// mapBedrockError translates SDK failures onto the canonical kinds.
func mapBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		msg := apiErr.ErrorMessage()
		switch code {
		case "ThrottlingException":
			return errs.Wrap(errs.KindProviderRateLimit, err, "provider %q is rate limiting", models.ProviderBedrock)
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return errs.Wrap(errs.KindProviderAuth, err, "provider %q rejected the credentials", models.ProviderBedrock)
		case "ValidationException":
			if isContextOverflow(msg) {
				return errs.ContextOverflow("model's maximum context length exceeded").WithDetail(msg)
			}
			return errs.BadInput("provider %q rejected the request", models.ProviderBedrock).WithDetail(msg)
		case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException", "ModelNotReadyException":
			return errs.Wrap(errs.KindProviderUnavailable, err, "provider %q is unavailable", models.ProviderBedrock)
		}
	}
	return mapTransport(models.ProviderBedrock, err)
}

// ── Chat (Anthropic on Bedrock) ─────────────────────────────

type bedrockAnthropicRequest struct {
	AnthropicVersion string       `json:"anthropic_version"`
	MaxTokens        int          `json:"max_tokens"`
	System           string       `json:"system,omitempty"`
	Messages         []antMessage `json:"messages"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	StopSequences    []string     `json:"stop_sequences,omitempty"`
}

func (b *bedrockAdapter) Chat(ctx context.Context, call Call, req *models.ChatRequest) (*models.ChatResponse, error) {
	name := call.RoutingName()
	if !strings.Contains(name, "anthropic.") && !strings.Contains(name, "claude") {
		return nil, errs.BadInput("bedrock chat supports the Anthropic model family, got %q", name)
	}

	shim := (&anthropicAdapter{}).wireRequest(call, req, false)
	payload := bedrockAnthropicRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        shim.MaxTokens,
		System:           shim.System,
		Messages:         shim.Messages,
		Temperature:      shim.Temperature,
		TopP:             shim.TopP,
		StopSequences:    shim.StopSequences,
	}
	body, err := b.invoke(ctx, call, payload)
	if err != nil {
		return nil, err
	}

	var out antResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavailable, err, "provider %q returned an unreadable response", models.ProviderBedrock)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	id := out.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return &models.ChatResponse{
		ID:      id,
		Object:  models.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   call.Model.ID,
		Choices: []models.ChatChoice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant, Content: models.Content(text.String())},
			FinishReason: antFinishReason(out.StopReason),
		}},
		Usage: models.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

func (b *bedrockAdapter) ChatStream(ctx context.Context, call Call, req *models.ChatRequest, emit ChunkFunc) (*models.ChatResponse, error) {
	resp, err := b.Chat(ctx, call, req)
	if err != nil {
		return nil, err
	}
	usage := resp.Usage
	emit(models.ChatChunk{
		ID:      resp.ID,
		Object:  models.ObjectChatChunk,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []models.ChunkChoice{{
			Delta:        models.ChunkDelta{Role: models.RoleAssistant, Content: resp.Text()},
			FinishReason: resp.Choices[0].FinishReason,
		}},
		Usage: &usage,
	})
	return resp, nil
}

// ── Embeddings (Titan, Cohere-on-Bedrock) ───────────────────

func (b *bedrockAdapter) Embed(ctx context.Context, call Call, req *models.EmbedRequest) (*models.EmbedResponse, error) {
	name := call.RoutingName()
	var vectors [][]float32
	switch {
	case strings.HasPrefix(name, "amazon."):
		// Titan embeds one text per invocation.
		for _, text := range req.Input {
			body, err := b.invoke(ctx, call, map[string]any{"inputText": text})
			if err != nil {
				return nil, err
			}
			var out struct {
				Embedding []float32 `json:"embedding"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, errs.Wrap(errs.KindProviderUnavailable, err, "provider %q returned an unreadable response", models.ProviderBedrock)
			}
			vectors = append(vectors, out.Embedding)
		}
	case strings.HasPrefix(name, "cohere."):
		body, err := b.invoke(ctx, call, map[string]any{
			"texts":      []string(req.Input),
			"input_type": cohereInputType(req.Type),
			"truncate":   "NONE",
		})
		if err != nil {
			return nil, err
		}
		var out struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, errs.Wrap(errs.KindProviderUnavailable, err, "provider %q returned an unreadable response", models.ProviderBedrock)
		}
		vectors = out.Embeddings
	default:
		return nil, errs.BadInput("bedrock embeddings support the amazon.* and cohere.* families, got %q", name)
	}

	data := make([]models.EmbedData, len(vectors))
	for i, vec := range vectors {
		var emb any = vec
		if req.EncodingFormat == models.EncodingBase64 {
			emb = encodeBase64(vec)
		}
		data[i] = models.EmbedData{Object: "embedding", Index: i, Embedding: emb}
	}
	return &models.EmbedResponse{
		Object: "list",
		Data:   data,
		Model:  call.Model.ID,
	}, nil
}
