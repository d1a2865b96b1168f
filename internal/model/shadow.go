package model

import (
	"maps"
	"slices"
)

// TermMap maps a key term in the original sentence to its replacement candidates.
type TermMap map[string][]string

// Clone returns a deep copy.
func (m TermMap) Clone() TermMap {
	if m == nil {
		return nil
	}
	out := make(TermMap, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

// Keys returns the sorted term keys.
func (m TermMap) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

// Draft is raw generation output for a single chunk. Nothing about it has
// been checked yet.
type Draft struct {
	ChunkIndex int     `json:"chunk_index"`
	Original   string  `json:"original"`
	Imitation  string  `json:"imitation"`
	Map        TermMap `json:"map"`
	Paragraph  string  `json:"paragraph"`
}

// Shadow is a draft that passed structural validation. Values are never
// edited after construction; correction builds a new Shadow with Revision+1.
type Shadow struct {
	ChunkIndex int     `json:"chunk_index"`
	Original   string  `json:"original"`
	Imitation  string  `json:"imitation"`
	Map        TermMap `json:"map"`
	Paragraph  string  `json:"paragraph"`
	Revision   int     `json:"revision"`
}

// Assessment is the quality verdict for one Shadow.
type Assessment struct {
	Grammar   float64  `json:"grammar"`
	Content   float64  `json:"content"`
	Logic     float64  `json:"logic"`
	Topic     float64  `json:"topic"`
	Learning  float64  `json:"learning"`
	Score     float64  `json:"score"`
	Pass      bool     `json:"pass"`
	Veto      bool     `json:"veto"`
	Issues    []string `json:"issues,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// FinalResult is the Shadow selected as output for a chunk.
type FinalResult struct {
	ChunkIndex int         `json:"chunk_index"`
	Shadow     Shadow      `json:"shadow"`
	Corrected  bool        `json:"corrected"`
	Assessment *Assessment `json:"assessment,omitempty"`
}

// ChunkError records why a chunk produced no FinalResult.
type ChunkError struct {
	ChunkIndex int    `json:"chunk_index"`
	Stage      string `json:"stage"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// DocumentResult is the fan-in of one document's chunk pipelines. Results
// are in completion order; use SortByChunk when document order matters.
type DocumentResult struct {
	Info    DocumentInfo  `json:"ted_info"`
	Results []FinalResult `json:"results"`
	Errors  []ChunkError  `json:"errors,omitempty"`
	Chunks  int           `json:"chunks"`
}

// ResultCount returns the number of FinalResults.
func (r DocumentResult) ResultCount() int { return len(r.Results) }

// SortByChunk orders results and errors by chunk index.
func (r *DocumentResult) SortByChunk() {
	slices.SortStableFunc(r.Results, func(a, b FinalResult) int { return a.ChunkIndex - b.ChunkIndex })
	slices.SortStableFunc(r.Errors, func(a, b ChunkError) int { return a.ChunkIndex - b.ChunkIndex })
}
