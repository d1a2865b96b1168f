package gateway

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Schema maps an expected output field to a description of its content. It
// guides the prompt and is checked for presence only; value types are the
// caller's concern.
type Schema map[string]string

// Fields returns the schema's field names in stable order.
func (s Schema) Fields() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Instructions renders the output contract appended to every prompt.
func (s Schema) Instructions() string {
	if len(s) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else. Required fields:\n")
	for _, f := range s.Fields() {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(s[f])
		b.WriteString("\n")
	}
	return b.String()
}

// cleanJSON strips markdown fences and surrounding prose from a model reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// Parse decodes a model reply into a field map and checks that every schema
// field is present and non-null.
func Parse(text string, schema Schema) (map[string]any, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("empty response")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, eris.Wrap(err, "decode json")
	}

	var missing []string
	for _, f := range schema.Fields() {
		if v, ok := fields[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return fields, nil
}
