// Package template interpolates "${column}" references in prompts and
// assembles the chat messages sent to providers.
//
// The scanner is hand-rolled: the escape rule (a backslash before "${"
// keeps the reference literal) needs one character of lookbehind, which
// RE2 does not offer.
package template

import (
	"fmt"
	"strings"

	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// ── Scanning ────────────────────────────────────────────────

type segKind int

const (
	segText segKind = iota
	segRef
)

type segment struct {
	kind segKind
	text string // literal text, or the referenced column id
}

// scan splits a template into literal text and column references.
// "\${x}" collapses to the literal "${x}". An unclosed "${" is literal text.
func scan(tmpl string) []segment {
	var segs []segment
	var text strings.Builder

	flush := func() {
		if text.Len() > 0 {
			segs = append(segs, segment{kind: segText, text: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(tmpl); {
		if tmpl[i] == '\\' && strings.HasPrefix(tmpl[i+1:], "${") {
			text.WriteString("${")
			i += 3
			continue
		}
		if strings.HasPrefix(tmpl[i:], "${") {
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				text.WriteString(tmpl[i:])
				break
			}
			flush()
			segs = append(segs, segment{kind: segRef, text: strings.TrimSpace(tmpl[i+2 : i+2+end])})
			i += 2 + end + 1
			continue
		}
		text.WriteByte(tmpl[i])
		i++
	}
	flush()
	return segs
}

// Refs returns the column ids referenced by a template, in order of first
// appearance.
func Refs(tmpl string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range scan(tmpl) {
		if s.kind == segRef && !seen[s.text] {
			seen[s.text] = true
			out = append(out, s.text)
		}
	}
	return out
}

// RenameRefs rewrites column references according to renames, leaving
// escaped "\${...}" sequences literal. Text is re-escaped on the way out
// so the result scans back to the same segments.
func RenameRefs(tmpl string, renames map[string]string) string {
	var sb strings.Builder
	for _, s := range scan(tmpl) {
		switch s.kind {
		case segText:
			sb.WriteString(strings.ReplaceAll(s.text, "${", `\${`))
		case segRef:
			id := s.text
			if to, ok := renames[id]; ok {
				id = to
			}
			sb.WriteString("${")
			sb.WriteString(id)
			sb.WriteString("}")
		}
	}
	return sb.String()
}

// ── Rendering ───────────────────────────────────────────────

// CellView is what the renderer sees for one referenced column: the cell
// value rendered as text, or a resolved media payload for file dtypes.
type CellView struct {
	Dtype models.ColumnDtype
	// Text is the rendered value for non-file dtypes. Null cells render "".
	Text string
	// FileURL is a fetchable URL for image/document cells.
	FileURL string
	// AudioData/AudioFormat carry base64 audio for audio cells.
	AudioData   string
	AudioFormat string
}

// Lookup resolves a referenced column at render time. ok=false means the
// column vanished between validation and execution; it renders as null.
type Lookup func(col string) (CellView, bool)

// Render interpolates a template into message content. File-dtype
// references split the text into multimodal parts in place; text-only
// templates come back as a plain string content.
func Render(tmpl string, lookup Lookup) models.MessageContent {
	segs := scan(tmpl)

	multimodal := false
	for _, s := range segs {
		if s.kind != segRef {
			continue
		}
		if v, ok := lookup(s.text); ok && v.Dtype.IsFile() {
			multimodal = true
			break
		}
	}

	if !multimodal {
		var sb strings.Builder
		for _, s := range segs {
			switch s.kind {
			case segText:
				sb.WriteString(s.text)
			case segRef:
				if v, ok := lookup(s.text); ok {
					sb.WriteString(v.Text)
				}
			}
		}
		return models.Content(sb.String())
	}

	var parts []models.ContentPart
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			parts = append(parts, models.ContentPart{Type: "text", Text: text.String()})
			text.Reset()
		}
	}
	for _, s := range segs {
		if s.kind == segText {
			text.WriteString(s.text)
			continue
		}
		v, ok := lookup(s.text)
		if !ok {
			continue
		}
		switch {
		case v.Dtype == models.DtypeImage && v.FileURL != "":
			flush()
			parts = append(parts, models.ContentPart{
				Type:     "image_url",
				ImageURL: &models.ImageURL{URL: v.FileURL},
			})
		case v.Dtype == models.DtypeAudio && v.AudioData != "":
			flush()
			parts = append(parts, models.ContentPart{
				Type:  "input_audio",
				Audio: &models.InputAudio{Data: v.AudioData, Format: v.AudioFormat},
			})
		case v.Dtype == models.DtypeDocument && v.FileURL != "":
			// Documents inline as a text reference; extraction happens at
			// ingestion, not per prompt.
			text.WriteString(v.FileURL)
		default:
			text.WriteString(v.Text)
		}
	}
	flush()
	return models.MessageContent{Parts: parts}
}

// ValidateRefs checks every reference against the table schema, enforcing
// the two referability rules: the target may only look at columns defined
// before it, and info/vector columns are never referable.
func ValidateRefs(schema *models.TableSchema, target string, tmpl string) error {
	targetIdx := schema.ColumnIndex(target)
	for _, ref := range Refs(tmpl) {
		col, ok := schema.Column(ref)
		if !ok {
			return errs.BadInput("invalid source columns: column %q does not exist", ref)
		}
		if models.IsInfoColumn(ref) || col.IsVector() {
			return errs.BadInput("invalid source columns: column %q is not referable", ref)
		}
		if idx := schema.ColumnIndex(ref); targetIdx >= 0 && idx >= targetIdx {
			return errs.BadInput("invalid source columns: column %q must come before %q", ref, target)
		}
	}
	return nil
}

// ── Default prompts ─────────────────────────────────────────

// DefaultSystemPrompt seeds LLM columns whose system_prompt is empty.
const DefaultSystemPrompt = "You are a versatile data generator. " +
	"Follow the instructions and generate only the requested value, with no preamble."

// DefaultChatSystemPrompt seeds the AI column of chat tables.
func DefaultChatSystemPrompt(tableID string) string {
	return fmt.Sprintf("You are a versatile data generator. You are an agent named %q. "+
		"Be helpful, and answer using the information available to you.", tableID)
}

// DefaultUserPrompt enumerates the referable input columns and asks for the
// target. Info and vector columns never appear.
func DefaultUserPrompt(schema *models.TableSchema, target string) string {
	targetIdx := schema.ColumnIndex(target)
	var sb strings.Builder
	for i, c := range schema.Cols {
		if targetIdx >= 0 && i >= targetIdx {
			break
		}
		if models.IsInfoColumn(c.ID) || c.IsVector() || c.IsOutput() {
			continue
		}
		fmt.Fprintf(&sb, "%s: ${%s}\n\n", c.ID, c.ID)
	}
	fmt.Fprintf(&sb, "Based on the information above, generate %q.", target)
	return sb.String()
}
