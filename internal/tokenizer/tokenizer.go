// Package tokenizer estimates token counts for context-window checks and
// usage fallbacks when a provider omits usage numbers.
//
// Counting uses tiktoken BPE when the encoding is available and a chars/4
// heuristic otherwise. tiktoken fetches BPE data on first use, so air-gapped
// deployments silently stay on the heuristic.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/embeddedllm/jamai/pkg/models"
)

var (
	mu        sync.RWMutex
	encodings = make(map[string]*tiktoken.Tiktoken)
)

// heuristicCharsPerToken approximates BPE density for English-ish text.
const heuristicCharsPerToken = 4

// encodingFor resolves the encoding for a model id like "openai/gpt-4o-mini".
// Returns nil when no BPE data can be loaded.
func encodingFor(model string) *tiktoken.Tiktoken {
	mu.RLock()
	enc, ok := encodings[model]
	mu.RUnlock()
	if ok {
		return enc
	}

	// Model ids carry a "{provider}/" prefix the BPE tables do not know.
	name := model
	if _, n, err := models.ParseModelID(model); err == nil {
		name = n
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}

	mu.Lock()
	encodings[model] = enc
	mu.Unlock()
	return enc
}

// Count estimates tokens in a piece of text.
func Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := (len(text) + heuristicCharsPerToken - 1) / heuristicCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessages estimates prompt tokens for a chat request, including the
// per-message framing overhead OpenAI documents (3 per message + 3 priming).
func CountMessages(model string, msgs []models.ChatMessage) int {
	const tokensPerMessage = 3
	total := 3 // reply priming
	for _, m := range msgs {
		total += tokensPerMessage
		total += Count(model, m.Role)
		total += Count(model, m.Content.Flatten())
	}
	return total
}

// FitsContext checks a request against a model's context window.
// maxTokens <= 0 means "no completion reservation".
func FitsContext(model string, msgs []models.ChatMessage, contextLength, maxTokens int) (prompt int, ok bool) {
	prompt = CountMessages(model, msgs)
	if contextLength <= 0 {
		return prompt, true
	}
	return prompt, prompt+max(maxTokens, 0) <= contextLength
}

// TruncateHistory drops the oldest messages until the conversation fits the
// budget. The first message is kept when it is the system prompt. Used for
// multi-turn chat columns where old turns age out of the window.
func TruncateHistory(model string, msgs []models.ChatMessage, budget int) []models.ChatMessage {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	var system []models.ChatMessage
	rest := msgs
	if msgs[0].Role == models.RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
	}
	budget -= CountMessages(model, system)

	// Walk backwards keeping the most recent turns.
	kept := 0
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := CountMessages(model, rest[i:i+1])
		if used+cost > budget && kept > 0 {
			break
		}
		used += cost
		kept++
		if used > budget {
			break
		}
	}
	out := make([]models.ChatMessage, 0, len(system)+kept)
	out = append(out, system...)
	out = append(out, rest[len(rest)-kept:]...)
	return out
}
