package template_test

import (
	"strings"
	"testing"

	"github.com/embeddedllm/jamai/internal/template"
	"github.com/embeddedllm/jamai/pkg/models"
)

func lookupMap(cells map[string]template.CellView) template.Lookup {
	return func(col string) (template.CellView, bool) {
		v, ok := cells[col]
		return v, ok
	}
}

func TestRefs(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want []string
	}{
		{"plain", "no references here", nil},
		{"single", "Summarize ${text}", []string{"text"}},
		{"multiple dedup", "${a} and ${b} then ${a} again", []string{"a", "b"}},
		{"escaped is literal", `costs \${price} dollars`, nil},
		{"escaped next to real", `\${a} but ${b}`, []string{"b"}},
		{"unclosed is literal", "broken ${ref", nil},
		{"whitespace trimmed", "${  text  }", []string{"text"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := template.Refs(tt.tmpl)
			if len(got) != len(tt.want) {
				t.Fatalf("Refs(%q) = %v, want %v", tt.tmpl, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Refs(%q) = %v, want %v", tt.tmpl, got, tt.want)
				}
			}
		})
	}
}

func TestRenderText(t *testing.T) {
	lookup := lookupMap(map[string]template.CellView{
		"name":  {Dtype: models.DtypeStr, Text: "Ada"},
		"count": {Dtype: models.DtypeInt, Text: "3"},
	})

	got := template.Render("Hello ${name}, you have ${count} items.", lookup)
	if got.Parts != nil {
		t.Fatal("text-only template should render plain content")
	}
	if want := "Hello Ada, you have 3 items."; got.Text != want {
		t.Fatalf("Render() = %q, want %q", got.Text, want)
	}
}

func TestRenderEscapeSurvives(t *testing.T) {
	got := template.Render(`pay \${amount} now, ${user}`, lookupMap(map[string]template.CellView{
		"user": {Dtype: models.DtypeStr, Text: "Bob"},
	}))
	if want := "pay ${amount} now, Bob"; got.Text != want {
		t.Fatalf("Render() = %q, want %q", got.Text, want)
	}
}

func TestRenderMissingColumnIsNull(t *testing.T) {
	got := template.Render("value: ${gone}!", lookupMap(nil))
	if want := "value: !"; got.Text != want {
		t.Fatalf("Render() = %q, want %q", got.Text, want)
	}
}

func TestRenderSplitsFileColumns(t *testing.T) {
	lookup := lookupMap(map[string]template.CellView{
		"photo":   {Dtype: models.DtypeImage, FileURL: "https://files.local/cat.png"},
		"caption": {Dtype: models.DtypeStr, Text: "a cat"},
	})

	got := template.Render("Describe ${photo} given caption ${caption}.", lookup)
	if got.Parts == nil {
		t.Fatal("file reference should force multimodal parts")
	}
	if len(got.Parts) != 3 {
		t.Fatalf("parts = %d, want 3 (text, image, text)", len(got.Parts))
	}
	if got.Parts[0].Type != "text" || got.Parts[0].Text != "Describe " {
		t.Fatalf("part 0 = %+v", got.Parts[0])
	}
	if got.Parts[1].Type != "image_url" || got.Parts[1].ImageURL.URL != "https://files.local/cat.png" {
		t.Fatalf("part 1 = %+v", got.Parts[1])
	}
	if got.Parts[2].Type != "text" || !strings.Contains(got.Parts[2].Text, "a cat") {
		t.Fatalf("part 2 = %+v", got.Parts[2])
	}
}

func TestRenderAudioPart(t *testing.T) {
	lookup := lookupMap(map[string]template.CellView{
		"clip": {Dtype: models.DtypeAudio, AudioData: "UklGRg==", AudioFormat: "wav"},
	})
	got := template.Render("Transcribe ${clip}", lookup)
	if len(got.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(got.Parts))
	}
	if got.Parts[1].Type != "input_audio" || got.Parts[1].Audio.Format != "wav" {
		t.Fatalf("audio part = %+v", got.Parts[1])
	}
}

func testSchema() *models.TableSchema {
	return &models.TableSchema{
		ID: "demo",
		Cols: []models.ColumnSchema{
			{ID: models.ColID, Dtype: models.DtypeStr},
			{ID: models.ColUpdatedAt, Dtype: models.DtypeStr},
			{ID: "text", Dtype: models.DtypeStr},
			{ID: "vec", Dtype: models.DtypeFloat32, Vlen: 8},
			{ID: "summary", Dtype: models.DtypeStr, GenConfig: models.NewLLMGenConfig(models.LLMGenConfig{Prompt: "Summarize ${text}"})},
			{ID: "rating", Dtype: models.DtypeInt, GenConfig: models.NewLLMGenConfig(models.LLMGenConfig{Prompt: "Rate ${summary}"})},
		},
	}
}

func TestValidateRefs(t *testing.T) {
	schema := testSchema()

	if err := template.ValidateRefs(schema, "summary", "Summarize ${text}"); err != nil {
		t.Fatalf("valid ref rejected: %v", err)
	}
	if err := template.ValidateRefs(schema, "summary", "${nope}"); err == nil {
		t.Fatal("unknown column should be rejected")
	}
	if err := template.ValidateRefs(schema, "summary", "${rating}"); err == nil {
		t.Fatal("forward reference should be rejected")
	}
	if err := template.ValidateRefs(schema, "summary", "${summary}"); err == nil {
		t.Fatal("self reference should be rejected")
	}
	if err := template.ValidateRefs(schema, "summary", "${ID}"); err == nil {
		t.Fatal("info column should not be referable")
	}
	if err := template.ValidateRefs(schema, "summary", "${vec}"); err == nil {
		t.Fatal("vector column should not be referable")
	}
}

func TestDefaultUserPrompt(t *testing.T) {
	got := template.DefaultUserPrompt(testSchema(), "summary")
	if !strings.Contains(got, "text: ${text}") {
		t.Fatalf("prompt should enumerate input columns, got %q", got)
	}
	if strings.Contains(got, "${ID}") || strings.Contains(got, "${vec}") {
		t.Fatalf("info/vector columns must not appear, got %q", got)
	}
	if !strings.Contains(got, `"summary"`) {
		t.Fatalf("prompt should name the target column, got %q", got)
	}
}
