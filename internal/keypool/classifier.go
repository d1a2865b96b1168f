package keypool

import "strings"

// DefaultRateLimitKeywords are matched case-insensitively against backend
// error text to decide whether a failure was a rate limit.
var DefaultRateLimitKeywords = []string{"rate", "limit", "quota", "exceeded", "too many"}

// Classifier decides whether a failure reason is a rate limit. The keyword
// heuristic is vendor specific, so callers may supply their own.
type Classifier interface {
	IsRateLimit(reason string) bool
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(reason string) bool

// IsRateLimit implements Classifier.
func (f ClassifierFunc) IsRateLimit(reason string) bool { return f(reason) }

// KeywordClassifier matches any of a fixed keyword list as a substring.
type KeywordClassifier struct {
	keywords []string
}

// NewKeywordClassifier builds a classifier from keywords. An empty list
// falls back to DefaultRateLimitKeywords.
func NewKeywordClassifier(keywords ...string) KeywordClassifier {
	if len(keywords) == 0 {
		keywords = DefaultRateLimitKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	return KeywordClassifier{keywords: lowered}
}

// IsRateLimit implements Classifier.
func (c KeywordClassifier) IsRateLimit(reason string) bool {
	msg := strings.ToLower(reason)
	for _, k := range c.keywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}
