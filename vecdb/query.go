package vecdb

import (
	"context"
	"math"
	"sort"
)

// Embedder embeds a batch of texts (the vecdb.DB's view of the Embeddings
// port).
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Query embeds q, runs a brute-force ANN search over db's records (workspace
// indices at this scale stay well within brute-force range; swapping in an
// approximate index is a drop-in behind this same method), and returns the
// top-k scored by the usefulness formula
//
//	usefulness = 100 - 75 * clamp((d - d_min)/d_min, 0, 1)
//
// which maps raw cosine distance smoothly into the 25..100 band the
// postprocessor expects.
func Query(ctx context.Context, db *DB, embedder Embedder, q string, topK int) ([]Record, error) {
	vecs, err := embedder.Embed(ctx, []string{q})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, nil
	}
	qv := vecs[0]

	db.mu.RLock()
	candidates := make([]Record, 0, len(db.records))
	for _, r := range db.records {
		if r.Vector == nil {
			continue
		}
		dist := 1 - cosine(qv, r.Vector)
		r.Distance = dist
		candidates = append(candidates, r)
	}
	db.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	dMin := candidates[0].Distance
	for i := range candidates {
		candidates[i].Usefulness = usefulness(candidates[i].Distance, dMin)
	}
	return candidates, nil
}

func usefulness(d, dMin float64) float64 {
	if dMin <= 0 {
		if d <= 0 {
			return 100
		}
		dMin = 1e-9
	}
	ratio := (d - dMin) / dMin
	ratio = math.Max(0, math.Min(1, ratio))
	return 100 - 75*ratio
}
