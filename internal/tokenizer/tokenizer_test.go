package tokenizer_test

import (
	"strings"
	"testing"

	"github.com/embeddedllm/jamai/internal/tokenizer"
	"github.com/embeddedllm/jamai/pkg/models"
)

func TestCount(t *testing.T) {
	if got := tokenizer.Count("ellm/lorem", ""); got != 0 {
		t.Fatalf("Count(empty) = %d, want 0", got)
	}
	short := tokenizer.Count("ellm/lorem", "Hi")
	long := tokenizer.Count("ellm/lorem", strings.Repeat("paragraph of text ", 50))
	if short < 1 {
		t.Fatalf("Count(short) = %d, want >= 1", short)
	}
	if long <= short {
		t.Fatalf("Count(long) = %d should exceed Count(short) = %d", long, short)
	}
}

func TestFitsContext(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Content: models.Content("Hi there how is your day going?")},
	}

	// A 5-token window cannot hold the prompt plus a 4-token completion.
	if _, ok := tokenizer.FitsContext("ellm/lorem-context-5", msgs, 5, 4); ok {
		t.Fatal("FitsContext() = true for a 5-token window")
	}

	if _, ok := tokenizer.FitsContext("ellm/lorem", msgs, 8192, 100); !ok {
		t.Fatal("FitsContext() = false for an 8k window")
	}

	// Zero context length means unknown, never rejected here.
	if _, ok := tokenizer.FitsContext("ellm/lorem", msgs, 0, 1<<20); !ok {
		t.Fatal("FitsContext() = false for unknown context length")
	}
}

func TestTruncateHistoryKeepsSystemAndRecent(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleSystem, Content: models.Content("You are terse.")},
	}
	for i := 0; i < 20; i++ {
		msgs = append(msgs,
			models.ChatMessage{Role: models.RoleUser, Content: models.Content(strings.Repeat("question ", 30))},
			models.ChatMessage{Role: models.RoleAssistant, Content: models.Content(strings.Repeat("answer ", 30))},
		)
	}

	out := tokenizer.TruncateHistory("ellm/lorem", msgs, 200)
	if len(out) >= len(msgs) {
		t.Fatalf("TruncateHistory kept %d of %d messages", len(out), len(msgs))
	}
	if out[0].Role != models.RoleSystem {
		t.Fatal("system prompt must survive truncation")
	}
	if got, want := out[len(out)-1].Content.Flatten(), msgs[len(msgs)-1].Content.Flatten(); got != want {
		t.Fatal("most recent message must survive truncation")
	}
}
