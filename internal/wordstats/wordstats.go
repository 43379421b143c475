// Package wordstats counts word frequencies across item descriptions.
package wordstats

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"github.com/jpalmerr/tubelytics/internal/upstream"
)

const (
	// MaxItems is how many described items are sampled.
	MaxItems = 50

	// MaxWords is how many words are reported.
	MaxWords = 100
)

var nonWord = regexp.MustCompile(`\W+`)

// WordCount is one word and its number of occurrences.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Compute counts words in the descriptions of the first [MaxItems] items
// that have one. Words are runs of ASCII letters, digits and underscores,
// lowercased. The result holds at most [MaxWords] entries ordered by count,
// descending, with ties in lexicographic order.
func Compute(items []upstream.Item) []WordCount {
	counts := make(map[string]int)
	sampled := 0
	for _, it := range items {
		if it.Description == "" {
			continue
		}
		if sampled == MaxItems {
			break
		}
		sampled++

		for _, w := range nonWord.Split(it.Description, -1) {
			if w == "" {
				continue
			}
			counts[strings.ToLower(w)]++
		}
	}

	out := make([]WordCount, 0, len(counts))
	for w, n := range counts {
		out = append(out, WordCount{Word: w, Count: n})
	}
	slices.SortFunc(out, func(a, b WordCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Word, b.Word)
	})

	if len(out) > MaxWords {
		out = out[:MaxWords]
	}
	return out
}
