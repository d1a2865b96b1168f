package stage

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/shadow-cli/internal/gateway"
	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/prompts"
)

// Completer is the gateway surface the agents need.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Result, error)
}

// Agents runs the stages against one completion gateway.
type Agents struct {
	llm     Completer
	prompts *prompts.Catalog
	rules   Rules
}

// New creates Agents. Zero-valued rules fall back to DefaultRules.
func New(llm Completer, catalog *prompts.Catalog, rules Rules) *Agents {
	return &Agents{llm: llm, prompts: catalog, rules: rules.withDefaults()}
}

// Rules returns the thresholds in effect.
func (a *Agents) Rules() Rules { return a.rules }

// Generate asks the backend for one draft from chunk.
func (a *Agents) Generate(ctx context.Context, chunk model.Chunk) (out Outcome[model.Draft]) {
	defer guard(Generate, &out)

	if strings.TrimSpace(chunk.Text) == "" {
		return fail[model.Draft](Generate, KindMissingInput, "empty chunk", nil)
	}

	p, err := a.prompts.Render("generate", prompts.Latest, struct{ Chunk string }{chunk.Text})
	if err != nil {
		return fail[model.Draft](Generate, KindInternal, err.Error(), err)
	}

	res, err := a.llm.Complete(ctx, gateway.Request{
		Stage:  string(Generate),
		System: p.System,
		Prompt: p.Prompt,
		Schema: p.Schema,
	})
	if err != nil {
		return failFromGateway[model.Draft](Generate, err)
	}

	return succeed(model.Draft{
		ChunkIndex: chunk.Index,
		Original:   asString(res.Fields["original"]),
		Imitation:  asString(res.Fields["imitation"]),
		Map:        asTermMap(res.Fields["map"]),
		Paragraph:  chunk.Text,
	})
}

// Validate applies the structural checks. It never calls the backend and
// rejects rather than pads.
func (a *Agents) Validate(d *model.Draft) (out Outcome[model.Shadow]) {
	defer guard(Validate, &out)

	if d == nil {
		return fail[model.Shadow](Validate, KindMissingInput, "no draft", nil)
	}
	if problems := a.rules.Problems(*d); len(problems) > 0 {
		return fail[model.Shadow](Validate, KindRejected, strings.Join(problems, "; "), ErrValidationRejected)
	}
	return succeed(model.Shadow{
		ChunkIndex: d.ChunkIndex,
		Original:   d.Original,
		Imitation:  d.Imitation,
		Map:        d.Map.Clone(),
		Paragraph:  d.Paragraph,
	})
}

// Assess scores a validated shadow. Pass is recomputed locally from the
// sub-scores and veto; the backend's opinion of pass/fail is not consulted.
func (a *Agents) Assess(ctx context.Context, s *model.Shadow) (out Outcome[model.Assessment]) {
	defer guard(Assess, &out)

	if s == nil {
		return fail[model.Assessment](Assess, KindMissingInput, "no validated shadow", nil)
	}

	p, err := a.prompts.Render("assess", prompts.Latest, struct {
		Original, Imitation, Map, Paragraph string
	}{s.Original, s.Imitation, mapJSON(s.Map), truncate(s.Paragraph, 600)})
	if err != nil {
		return fail[model.Assessment](Assess, KindInternal, err.Error(), err)
	}

	res, err := a.llm.Complete(ctx, gateway.Request{
		Stage:  string(Assess),
		System: p.System,
		Prompt: p.Prompt,
		Schema: p.Schema,
	})
	if err != nil {
		return failFromGateway[model.Assessment](Assess, err)
	}

	f := res.Fields
	as := model.Assessment{
		Grammar:   clamp(asFloat(f["step1_grammar"]), 3),
		Content:   clamp(asFloat(f["step2_content"]), 3),
		Logic:     clamp(asFloat(f["step3_logic"]), 2),
		Topic:     clamp(asFloat(f["step4_topic"]), 2),
		Learning:  clamp(asFloat(f["step5_learning"]), 1),
		Issues:    asStrings(f["step3_issues"]),
		Reasoning: asString(f["reasoning"]),
	}
	as.Score = as.Grammar + as.Content + as.Logic + as.Topic + as.Learning
	as.Veto = asBool(f["logic_veto"]) || as.Logic <= a.rules.VetoLogicMax
	as.Pass = a.rules.Passes(as)
	return succeed(as)
}

// Correct asks the backend to repair s using the assessment's issues. The
// result passes through the same structural checks as Validate and is a
// new Shadow; s is left untouched.
func (a *Agents) Correct(ctx context.Context, s *model.Shadow, as *model.Assessment) (out Outcome[model.Shadow]) {
	defer guard(Correct, &out)

	if s == nil {
		return fail[model.Shadow](Correct, KindMissingInput, "no validated shadow", nil)
	}
	var issues []string
	if as != nil {
		issues = as.Issues
	}

	p, err := a.prompts.Render("correct", prompts.Latest, struct {
		Original, Imitation, Map string
		Issues                   []string
	}{s.Original, s.Imitation, mapJSON(s.Map), issues})
	if err != nil {
		return fail[model.Shadow](Correct, KindInternal, err.Error(), err)
	}

	res, err := a.llm.Complete(ctx, gateway.Request{
		Stage:  string(Correct),
		System: p.System,
		Prompt: p.Prompt,
		Schema: p.Schema,
	})
	if err != nil {
		return failFromGateway[model.Shadow](Correct, err)
	}

	d := model.Draft{
		ChunkIndex: s.ChunkIndex,
		Original:   s.Original,
		Imitation:  asString(res.Fields["imitation"]),
		Map:        asTermMap(res.Fields["map"]),
		Paragraph:  s.Paragraph,
	}
	if problems := a.rules.Problems(d); len(problems) > 0 {
		return fail[model.Shadow](Correct, KindRejected, strings.Join(problems, "; "), ErrValidationRejected)
	}
	return succeed(model.Shadow{
		ChunkIndex: s.ChunkIndex,
		Original:   s.Original,
		Imitation:  d.Imitation,
		Map:        d.Map,
		Paragraph:  s.Paragraph,
		Revision:   s.Revision + 1,
	})
}

// FinalizeResult selects the chunk's output: the corrected shadow when
// correction succeeded, otherwise the validated one. It is a pure function
// of its inputs.
func FinalizeResult(validated *model.Shadow, as *model.Assessment, corrected Outcome[model.Shadow]) (out Outcome[model.FinalResult]) {
	defer guard(Finalize, &out)

	if validated == nil {
		return fail[model.FinalResult](Finalize, KindMissingInput, "no validated shadow", nil)
	}
	if corrected.OK() {
		return succeed(model.FinalResult{
			ChunkIndex: validated.ChunkIndex,
			Shadow:     *corrected.Value,
			Corrected:  true,
			Assessment: as,
		})
	}
	return succeed(model.FinalResult{
		ChunkIndex: validated.ChunkIndex,
		Shadow:     *validated,
		Assessment: as,
	})
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	}
	return nil
}

// asTermMap keeps only list values; a scalar value yields an entry with no
// alternatives so validation rejects it.
func asTermMap(v any) model.TermMap {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(model.TermMap, len(raw))
	for k, val := range raw {
		var alts []string
		if list, ok := val.([]any); ok {
			alts = asStrings(list)
		}
		out[strings.TrimSpace(k)] = alts
	}
	return out
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	}
	return 0
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	return false
}

func clamp(v, ceiling float64) float64 {
	if v < 0 {
		return 0
	}
	if v > ceiling {
		return ceiling
	}
	return v
}

func mapJSON(m model.TermMap) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
