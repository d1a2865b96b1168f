package model

// Document is a source transcript handed to the pipeline. URL doubles as
// the document identifier for batch submissions and learning history.
type Document struct {
	Title      string `json:"title"`
	Speaker    string `json:"speaker"`
	URL        string `json:"url"`
	Duration   string `json:"duration,omitempty"`
	Views      string `json:"views,omitempty"`
	Transcript string `json:"transcript"`
}

// DocumentInfo is the lightweight summary attached to per-document results.
type DocumentInfo struct {
	Title            string `json:"title"`
	Speaker          string `json:"speaker"`
	URL              string `json:"url"`
	TranscriptLength int    `json:"transcript_length"`
}

// Info summarizes the document without its transcript.
func (d Document) Info() DocumentInfo {
	return DocumentInfo{
		Title:            d.Title,
		Speaker:          d.Speaker,
		URL:              d.URL,
		TranscriptLength: len(d.Transcript),
	}
}

// Chunk is one immutable span of a document's transcript.
type Chunk struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Text  string `json:"text"`
}

// Candidate is a search hit that can be submitted for processing.
type Candidate struct {
	Title       string `json:"title"`
	Speaker     string `json:"speaker,omitempty"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}
