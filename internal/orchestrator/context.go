package orchestrator

import (
	"sort"

	"github.com/askmesh/askmesh/internal/ask"
)

// selectContext drops snippets scoring below threshold, orders the rest by
// descending score and keeps at most topK. Equal scores keep retrieval order.
func selectContext(snippets []ask.Snippet, threshold float64, topK int) []ask.Snippet {
	selected := make([]ask.Snippet, 0, len(snippets))
	for _, snippet := range snippets {
		if snippet.Score < threshold {
			continue
		}
		selected = append(selected, snippet)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Score > selected[j].Score
	})
	if topK > 0 && len(selected) > topK {
		selected = selected[:topK]
	}
	return selected
}
