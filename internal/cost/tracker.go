package cost

import "sync"

// Usage accumulates token counts and spend for one model or provider.
type Usage struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CacheWrite   int64   `json:"cache_write_tokens"`
	CacheRead    int64   `json:"cache_read_tokens"`
	USD          float64 `json:"estimated_cost_usd"`
}

// Tracker aggregates spend across concurrent callers.
type Tracker struct {
	calc *Calculator

	mu     sync.Mutex
	claude map[string]*Usage
	jina   Usage
}

// NewTracker creates a Tracker priced by calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc, claude: make(map[string]*Usage)}
}

// AddClaude records one message call and returns its estimated cost.
func (t *Tracker) AddClaude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	usd := t.calc.Claude(model, input, output, cacheWrite, cacheRead)

	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.claude[model]
	if !ok {
		u = &Usage{}
		t.claude[model] = u
	}
	u.Calls++
	u.InputTokens += input
	u.OutputTokens += output
	u.CacheWrite += cacheWrite
	u.CacheRead += cacheRead
	u.USD += usd
	return usd
}

// AddJina records one reader call.
func (t *Tracker) AddJina(tokens int) float64 {
	usd := t.calc.Jina(tokens)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.jina.Calls++
	t.jina.InputTokens += int64(tokens)
	t.jina.USD += usd
	return usd
}

// Summary is a snapshot of tracked spend.
type Summary struct {
	Claude   map[string]Usage `json:"claude"`
	Jina     Usage            `json:"jina"`
	TotalUSD float64          `json:"total_usd"`
}

// Summary returns a copy of the accumulated totals.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{Claude: make(map[string]Usage, len(t.claude)), Jina: t.jina}
	s.TotalUSD = t.jina.USD
	for m, u := range t.claude {
		s.Claude[m] = *u
		s.TotalUSD += u.USD
	}
	return s
}
