//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"strings"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// fastembedModels maps accepted names to fastembed-go model constants.
var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"fast-bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"fast-bge-small-en":                      fastembed.BGESmallEN,
	"fast-bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"fast-bge-base-en":                       fastembed.BGEBaseEN,
	"fast-bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"fast-all-MiniLM-L6-v2":                  fastembed.AllMiniLML6V2,
}

// FastEmbed generates embeddings with a local ONNX model.
type FastEmbed struct {
	mu        sync.Mutex
	model     *fastembed.FlagEmbedding
	name      string
	dimension int
}

// NewFastEmbed loads the configured model, downloading it into CacheDir on
// first use.
func NewFastEmbed(cfg Config) (*FastEmbed, error) {
	cfg.applyDefaults()
	dim, err := Dimension(cfg.Model)
	if err != nil {
		return nil, err
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                fastembedModels[cfg.Model],
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing FastEmbed: %w", err)
	}
	return &FastEmbed{model: flagEmbed, name: cfg.Model, dimension: dim}, nil
}

// Embed returns the passage embedding of text. Epitaphs and the situations
// they are matched against are both free text, so one encoding serves both
// sides of the comparison.
func (p *FastEmbed) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil, fmt.Errorf("fastembed %s: closed", p.name)
	}
	out, err := p.model.PassageEmbed([]string{text}, 1)
	if err != nil {
		return nil, fmt.Errorf("fastembed %s: %w", p.name, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("fastembed %s: got %d vectors for one input", p.name, len(out))
	}
	return out[0], nil
}

// Dimension returns the vector width of the loaded model.
func (p *FastEmbed) Dimension() int { return p.dimension }

// Model returns the configured model name.
func (p *FastEmbed) Model() string { return p.name }

// Close releases the ONNX session.
func (p *FastEmbed) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
