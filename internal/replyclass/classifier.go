// Package replyclass assigns inbound replies a category and sentiment
// with a reproducible confidence score. Classification is pure text
// scoring: no I/O, no state, identical input always yields an identical
// result.
package replyclass

import "strings"

// maxScore is the score at which confidence saturates at 1.0.
const maxScore = 5

// Result is the outcome of classifying one reply.
type Result struct {
	Category     Category  `json:"category"`
	Sentiment    Sentiment `json:"sentiment"`
	Confidence   float64   `json:"confidence"`
	MatchedTerms []string  `json:"matched_terms,omitempty"`
}

// Classify scores the concatenated subject and body against every
// category rule and returns the highest-scoring category. Keywords
// count 1, patterns count 2. The comparison is strict-greater, so on a
// tie the earlier rule keeps the vote; terms from every rule that held
// the lead at some point are retained for diagnostics. A zero best
// score falls back to other/neutral.
func Classify(subject, body string) Result {
	text := strings.ToLower(subject + " " + body)

	best := Result{Category: CategoryOther, Sentiment: SentimentNeutral}
	bestScore := 0
	var matched []string

	for i := range rules {
		r := &rules[i]
		score := 0
		var terms []string
		for _, kw := range r.Keywords {
			if strings.Contains(text, kw) {
				score++
				terms = append(terms, kw)
			}
		}
		for _, p := range r.Patterns {
			if m := p.FindString(text); m != "" {
				score += 2
				terms = append(terms, m)
			}
		}
		if score > bestScore {
			bestScore = score
			best.Category = r.Category
			best.Sentiment = r.Sentiment
			matched = append(matched, terms...)
		}
	}

	best.MatchedTerms = matched
	best.Confidence = float64(bestScore) / maxScore
	if best.Confidence > 1 {
		best.Confidence = 1
	}
	return best
}
