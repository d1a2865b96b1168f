package source

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shadow-cli/internal/model"
)

// ReadFile parses a local transcript file. See ParseTranscript.
func ReadFile(path string, minChars int) (*model.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: open transcript")
	}
	defer f.Close() //nolint:errcheck

	doc, err := ParseTranscript(f, minChars)
	if err != nil {
		return nil, err
	}
	if doc.Title == "" {
		doc.Title = titleFromPath(path)
	}
	return doc, nil
}

// ParseTranscript reads an optional header block followed by transcript
// text:
//
//	Title: The power of vulnerability
//	Speaker: Brené Brown
//	URL: https://www.ted.com/talks/...
//	Transcript:
//	So, I'll start with this...
//
// Without a "Transcript:" line the whole input is the transcript.
func ParseTranscript(r io.Reader, minChars int) (*model.Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "source: read transcript")
	}

	doc := &model.Document{}
	headers := map[string]*string{
		"title":    &doc.Title,
		"speaker":  &doc.Speaker,
		"url":      &doc.URL,
		"duration": &doc.Duration,
		"views":    &doc.Views,
	}

	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	marker := slices.IndexFunc(lines, func(l string) bool {
		return strings.EqualFold(strings.TrimSpace(l), "transcript:")
	})

	body := lines
	if marker >= 0 {
		for _, l := range lines[:marker] {
			key, val, ok := strings.Cut(strings.TrimSpace(l), ":")
			if !ok {
				continue
			}
			if dst, known := headers[strings.ToLower(strings.TrimSpace(key))]; known {
				*dst = strings.TrimSpace(val)
			}
		}
		body = lines[marker+1:]
	}

	doc.Transcript = strings.TrimSpace(strings.Join(body, "\n"))
	if doc.Speaker == "" {
		doc.Speaker = "Unknown"
	}
	if err := checkLength(doc, minChars); err != nil {
		return nil, err
	}
	return doc, nil
}
