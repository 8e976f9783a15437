package providers

import (
	"strings"
	"time"

	"github.com/embeddedllm/jamai/pkg/models"
)

// accumulator folds streamed chunks back into a final ChatResponse so
// streaming callers get the same object non-streaming callers do.
type accumulator struct {
	id     string
	model  string
	text   strings.Builder
	finish string
	usage  models.Usage
}

func newAccumulator(model string) *accumulator {
	return &accumulator{model: model}
}

func (a *accumulator) add(c models.ChatChunk) {
	if a.id == "" && c.ID != "" {
		a.id = c.ID
	}
	a.text.WriteString(c.Text())
	if fr := c.FinishReason(); fr != "" {
		a.finish = fr
	}
	if c.Usage != nil {
		a.usage = *c.Usage
	}
}

func (a *accumulator) response() *models.ChatResponse {
	finish := a.finish
	if finish == "" {
		finish = models.FinishStop
	}
	return &models.ChatResponse{
		ID:      a.id,
		Object:  models.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   a.model,
		Choices: []models.ChatChoice{{
			Message: models.ChatMessage{
				Role:    models.RoleAssistant,
				Content: models.Content(a.text.String()),
			},
			FinishReason: finish,
		}},
		Usage: a.usage,
	}
}
