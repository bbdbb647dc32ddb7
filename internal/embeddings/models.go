package embeddings

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedModel is returned for a model name FastEmbed cannot load.
	ErrUnsupportedModel = errors.New("unsupported embedding model")

	// ErrEmptyInput is returned when asked to embed blank text.
	ErrEmptyInput = errors.New("empty input")
)

// DefaultModel is used when no model is configured.
const DefaultModel = "BAAI/bge-small-en-v1.5"

// modelDimensions maps accepted model names to their vector width. Both the
// Hugging Face names and the fastembed-go names are accepted.
var modelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-small-en":                      384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-bge-base-en":                       768,
	"fast-bge-small-zh-v1.5":                 512,
	"fast-all-MiniLM-L6-v2":                  384,
}

// Dimension returns the vector width of model. An empty name means
// DefaultModel.
func Dimension(model string) (int, error) {
	if model == "" {
		model = DefaultModel
	}
	dim, ok := modelDimensions[model]
	if !ok {
		return 0, fmt.Errorf("%w %q (supported: %s)", ErrUnsupportedModel, model, strings.Join(Models(), ", "))
	}
	return dim, nil
}

// Models lists the accepted model names.
func Models() []string {
	out := make([]string, 0, len(modelDimensions))
	for name := range modelDimensions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Config configures the FastEmbed provider.
type Config struct {
	// Model is the embedding model. Defaults to DefaultModel.
	Model string

	// CacheDir holds downloaded model files.
	CacheDir string

	// MaxLength is the maximum input sequence length. Defaults to 512.
	MaxLength int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxLength == 0 {
		c.MaxLength = 512
	}
}
