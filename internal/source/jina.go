package source

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/cost"
	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/resilience"
	"github.com/sells-group/shadow-cli/pkg/jina"
)

// JinaOptions configures a Jina-backed source.
type JinaOptions struct {
	Site           string
	RequestsPerSec float64
	MinChars       int
	Costs          *cost.Tracker
}

// Jina reads talk pages and searches through the Jina reader API.
type Jina struct {
	client jina.Client
	pacer  *pacer
	opts   JinaOptions
}

// NewJina wraps client.
func NewJina(client jina.Client, opts JinaOptions) *Jina {
	return &Jina{client: client, pacer: newPacer(opts.RequestsPerSec), opts: opts}
}

// Search returns talk pages matching topic, de-duplicated, at most limit.
func (j *Jina) Search(ctx context.Context, topic string, limit int) ([]model.Candidate, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, eris.New("source: empty search topic")
	}
	if err := j.pacer.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "source: wait for rate limiter")
	}

	var opts []jina.SearchOption
	if j.opts.Site != "" {
		opts = append(opts, jina.WithSiteFilter(j.opts.Site))
	}
	resp, err := j.client.Search(ctx, topic, opts...)
	j.observe(err)
	if err != nil {
		return nil, eris.Wrapf(err, "source: search %q", topic)
	}
	if j.opts.Costs != nil {
		j.opts.Costs.AddJina(resp.Tokens())
	}

	seen := make(map[string]bool)
	var out []model.Candidate
	for _, r := range resp.Data {
		if !IsTalkURL(r.URL) || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		speaker, title := splitTitle(r.Title)
		out = append(out, model.Candidate{
			Title:       title,
			Speaker:     speaker,
			URL:         r.URL,
			Description: r.Description,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}

	zap.L().Debug("source: search complete",
		zap.String("topic", topic),
		zap.Int("raw", len(resp.Data)),
		zap.Int("kept", len(out)),
	)
	return out, nil
}

// Fetch loads the transcript of one talk.
func (j *Jina) Fetch(ctx context.Context, docURL string) (*model.Document, error) {
	if !IsTalkURL(docURL) {
		return nil, eris.Wrapf(ErrNotTalk, "%s", docURL)
	}
	if err := j.pacer.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "source: wait for rate limiter")
	}

	resp, err := j.client.Read(ctx, transcriptURL(docURL))
	j.observe(err)
	if err != nil {
		return nil, eris.Wrapf(err, "source: fetch %s", docURL)
	}
	if j.opts.Costs != nil {
		j.opts.Costs.AddJina(resp.Data.Usage.Tokens)
	}

	speaker, title := splitTitle(resp.Data.Title)
	doc := &model.Document{
		Title:      title,
		Speaker:    speaker,
		URL:        docURL,
		Transcript: cleanTranscript(resp.Data.Content),
	}
	if err := checkLength(doc, j.opts.MinChars); err != nil {
		return nil, err
	}
	return doc, nil
}

func (j *Jina) observe(err error) {
	var se *resilience.StatusError
	switch {
	case err == nil:
		j.pacer.ease()
	case errors.As(err, &se) && se.Status == http.StatusTooManyRequests:
		j.pacer.throttle()
	}
}

// transcriptURL points the reader at the talk's transcript page.
func transcriptURL(talk string) string {
	talk = strings.TrimRight(talk, "/")
	if i := strings.IndexAny(talk, "?#"); i >= 0 {
		talk = talk[:i]
	}
	if strings.HasSuffix(talk, "/transcript") {
		return talk
	}
	return talk + "/transcript"
}

// cleanTranscript drops blank runs and markdown noise lines the reader
// leaves around the transcript body.
func cleanTranscript(content string) string {
	var lines []string
	blank := false
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case t == "":
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		case strings.HasPrefix(t, "!["), strings.HasPrefix(t, "[Skip"), t == "Transcript":
			continue
		}
		blank = false
		lines = append(lines, t)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
