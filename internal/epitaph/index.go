package epitaph

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/philippgille/chromem-go"
)

// Candidate is one relevance hit from an Index.
type Candidate struct {
	ID        string
	Relevance float64
}

// Index is the structural memory search the store consults for relevance.
// It only ranks ids by topical similarity; weighting happens in the store.
type Index interface {
	Upsert(ctx context.Context, id, text string) error
	Search(ctx context.Context, text string, n int) ([]Candidate, error)
}

// EmbedFunc turns text into a vector.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

const collectionName = "epitaphs"

// ChromemIndex is an in-memory chromem-go collection. It is rebuilt from
// the epitaph log on start-up, so it needs no persistence of its own.
type ChromemIndex struct {
	mu         sync.Mutex
	collection *chromem.Collection
	embed      EmbedFunc
}

// NewChromemIndex creates an index using embed, or the hashing embedder
// when embed is nil.
func NewChromemIndex(embed EmbedFunc) (*ChromemIndex, error) {
	if embed == nil {
		embed = HashEmbedder(DefaultDimensions)
	}
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collectionName, nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &ChromemIndex{collection: col, embed: embed}, nil
}

// Upsert indexes text under id, replacing any previous document.
func (x *ChromemIndex) Upsert(ctx context.Context, id, text string) error {
	vec, err := x.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", id, err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.collection.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vec,
	})
}

// Search returns up to n ids ordered by similarity.
func (x *ChromemIndex) Search(ctx context.Context, text string, n int) ([]Candidate, error) {
	if n <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	// chromem rejects nResults above the document count.
	count := x.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	results, err := x.collection.Query(ctx, text, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collectionName, err)
	}
	out := make([]Candidate, len(results))
	for i, r := range results {
		out[i] = Candidate{ID: r.ID, Relevance: float64(r.Similarity)}
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (x *ChromemIndex) Count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.collection.Count()
}

// DefaultDimensions is the width of HashEmbedder vectors.
const DefaultDimensions = 256

// HashEmbedder returns a deterministic bag-of-words embedder that hashes
// lower-cased tokens into dims signed buckets and normalises the result.
// Text without tokens maps to a fixed unit vector.
func HashEmbedder(dims int) EmbedFunc {
	if dims < 2 {
		dims = DefaultDimensions
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		for _, tok := range tokenize(text) {
			h := fnv.New64a()
			h.Write([]byte(tok))
			sum := h.Sum64()
			i := int(sum % uint64(dims))
			if sum>>63 == 1 {
				vec[i]--
			} else {
				vec[i]++
			}
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
		return vec, nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
