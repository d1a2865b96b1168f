package source

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleSuffixes = []string{" | TED Talk", " | TED", " - TED Talk", " | TEDx Talk"}

// splitTitle breaks a page title of the form "Speaker: Talk title | TED
// Talk" into speaker and title. Speaker is empty when the form does not
// match.
func splitTitle(raw string) (speaker, title string) {
	title = strings.TrimSpace(raw)
	for _, s := range titleSuffixes {
		title = strings.TrimSuffix(title, s)
	}
	if i := strings.Index(title, ": "); i > 0 && i < 60 {
		return strings.TrimSpace(title[:i]), strings.TrimSpace(title[i+2:])
	}
	return "", title
}

// titleFromPath turns a file name like "the_power-of.vulnerability.txt"
// into "The Power Of Vulnerability".
func titleFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	prevSpace := false
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			if !prevSpace {
				b.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	t := strings.TrimSpace(b.String())
	if t == "" {
		return "Untitled"
	}
	return cases.Title(language.Und).String(t)
}
