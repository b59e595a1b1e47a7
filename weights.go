package ratecache

// WeightTable maps "METHOD:path" endpoint identifiers to request costs.
// Unmapped endpoints get the fallback weight. The table is immutable after
// construction; no wildcard or pattern matching is performed.
type WeightTable struct {
	weights  map[string]int
	fallback int
}

// NewWeightTable builds a WeightTable from an endpoint cost map. The map is
// copied. fallback is the cost for endpoints not in the map; values below 1
// are clamped to 1.
func NewWeightTable(weights map[string]int, fallback int) *WeightTable {
	if fallback < 1 {
		fallback = 1
	}
	copied := make(map[string]int, len(weights))
	for k, v := range weights {
		if v < 1 {
			v = 1
		}
		copied[k] = v
	}
	return &WeightTable{weights: copied, fallback: fallback}
}

// DefaultWeightTable returns the standard endpoint cost table: cheap reads
// cost 1, writes 3-5, AI endpoints 10-20, everything else 2.
func DefaultWeightTable() *WeightTable {
	return NewWeightTable(map[string]int{
		// Light operations
		"GET:/api/content/feed": 1,
		"GET:/api/content/post": 1,

		// Medium operations
		"POST:/api/content/post": 5,
		"PUT:/api/content/post":  3,

		// Heavy operations (AI)
		"POST:/api/ai/generate":  20,
		"POST:/api/ai/embed":     10,
		"POST:/api/ai/translate": 15,
	}, 2)
}

// Weight returns the cost of one request to method+path.
func (t *WeightTable) Weight(method, path string) int {
	if w, ok := t.weights[method+":"+path]; ok {
		return w
	}
	return t.fallback
}
