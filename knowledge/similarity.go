package knowledge

import (
	"context"
	"math"
	"sort"

	"github.com/teranos/docpipe/logger"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rerank scores entries against the query embedding and sorts by score.
// Entries without vectors score 0; ties keep the priority order. The
// substring match already decided membership, so a failing embedder only
// loses the re-ranking.
func (s *Store) rerank(ctx context.Context, query string, entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		s.logger.Warnw("Query embedding failed, keeping priority order", logger.FieldError, err)
		return
	}
	for _, e := range entries {
		e.Score = CosineSimilarity(vectors[0], e.Embedding)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})
}
