// Package chunker segments a transcript into indexed chunks, preferring
// paragraph boundaries and falling back to sentence or whitespace windows.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/shadow-cli/internal/model"
)

// Options tunes segmentation. Sizes are in bytes of normalized text.
type Options struct {
	// TargetChars is the size paragraphs are packed up to.
	TargetChars int
	// MaxChars is the hard ceiling for any chunk.
	MaxChars int
	// MinChars is the smallest trailing chunk kept on its own.
	MinChars int
}

// DefaultOptions returns the standard sizes.
func DefaultOptions() Options {
	return Options{TargetChars: 1200, MaxChars: 2000, MinChars: 200}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.MaxChars <= 0 {
		o.MaxChars = d.MaxChars
	}
	if o.TargetChars <= 0 || o.TargetChars > o.MaxChars {
		o.TargetChars = min(d.TargetChars, o.MaxChars)
	}
	if o.MinChars <= 0 {
		o.MinChars = min(d.MinChars, o.TargetChars/4)
	}
	if o.MinChars > o.TargetChars {
		o.MinChars = o.TargetChars / 4
	}
	return o
}

var (
	blankLines = regexp.MustCompile(`\n[ \t]*\n+`)
	inlineWS   = regexp.MustCompile(`[ \t\f\v]+`)
)

// Normalize applies NFC, unifies line endings, and collapses inline
// whitespace.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(inlineWS.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Split segments text into chunks. Empty input yields no chunks.
func Split(text string, opts Options) []model.Chunk {
	opts = opts.normalize()
	text = Normalize(text)
	if text == "" {
		return nil
	}

	var pieces []string
	for _, para := range blankLines.Split(text, -1) {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		if len(para) > opts.MaxChars {
			pieces = append(pieces, windows(para, opts.TargetChars)...)
			continue
		}
		pieces = append(pieces, para)
	}

	texts := pack(pieces, opts)

	chunks := make([]model.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = model.Chunk{Index: i, Total: len(texts), Text: t}
	}
	return chunks
}

// pack greedily joins pieces up to TargetChars and folds a short tail into
// its predecessor when that stays within MaxChars.
func pack(pieces []string, opts Options) []string {
	var out []string
	var cur strings.Builder
	for _, p := range pieces {
		if cur.Len() > 0 && cur.Len()+2+len(p) > opts.TargetChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}

	if n := len(out); n > 1 && len(out[n-1]) < opts.MinChars && len(out[n-2])+2+len(out[n-1]) <= opts.MaxChars {
		out[n-2] = out[n-2] + "\n\n" + out[n-1]
		out = out[:n-1]
	}
	return out
}

// windows cuts s into pieces of at most size bytes, preferring the last
// sentence end, then the last space, in the back half of each window.
func windows(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := sentenceCut(s[:size])
		if cut <= 0 {
			cut = strings.LastIndexByte(s[size/2:size], ' ')
			if cut >= 0 {
				cut += size / 2
			}
		}
		if cut <= 0 {
			cut = size
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		if cut == 0 {
			// window narrower than the leading rune
			_, cut = utf8.DecodeRuneInString(s)
		}
		out = append(out, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func sentenceCut(window string) int {
	for i := len(window) - 1; i >= len(window)/2; i-- {
		switch window[i] {
		case '.', '?', '!':
			if i+1 == len(window) || window[i+1] == ' ' {
				return i + 1
			}
		}
	}
	return -1
}
