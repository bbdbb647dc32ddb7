//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned when the binary was built without CGO.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the hash embedder)")

// FastEmbed is a stub for non-CGO builds.
type FastEmbed struct{}

// NewFastEmbed validates cfg and then reports that FastEmbed is unavailable.
func NewFastEmbed(cfg Config) (*FastEmbed, error) {
	cfg.applyDefaults()
	if _, err := Dimension(cfg.Model); err != nil {
		return nil, err
	}
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbed) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbed) Dimension() int { return 0 }

func (p *FastEmbed) Model() string { return "" }

func (p *FastEmbed) Close() error { return nil }
