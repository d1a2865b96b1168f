// Package source finds and loads transcripts for the pipeline.
package source

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shadow-cli/internal/model"
)

var (
	// ErrNotTalk is returned for URLs that do not point at a single talk.
	ErrNotTalk = eris.New("source: url is not a talk page")
	// ErrTooShort is returned when the extracted transcript is below the
	// configured minimum.
	ErrTooShort = eris.New("source: transcript too short")
)

// Source discovers and fetches documents.
type Source interface {
	Search(ctx context.Context, topic string, limit int) ([]model.Candidate, error)
	Fetch(ctx context.Context, docURL string) (*model.Document, error)
}

var nonTalkSegments = []string{"/playlists/", "/speakers/", "/events/", "/series/"}

// IsTalkURL reports whether u is an absolute http(s) URL to one talk.
func IsTalkURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if !strings.Contains(parsed.Path, "/talks/") {
		return false
	}
	for _, seg := range nonTalkSegments {
		if strings.Contains(parsed.Path, seg) {
			return false
		}
	}
	return true
}

// checkLength rejects transcripts shorter than minChars runes.
func checkLength(doc *model.Document, minChars int) error {
	n := len([]rune(strings.TrimSpace(doc.Transcript)))
	if minChars > 0 && n < minChars {
		return eris.Wrapf(ErrTooShort, "%d characters, need %d", n, minChars)
	}
	return nil
}
