package kernel

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/config"
	"github.com/fyrsmithlabs/verdict/internal/embeddings"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/qdrant"
)

// openIndex builds the epitaph relevance index named by cfg.Epitaph.
// Resources it opens are released by Close.
func (k *Kernel) openIndex(ctx context.Context) (epitaph.Index, error) {
	ec := k.cfg.Epitaph

	embed := epitaph.HashEmbedder(ec.Dimensions)
	dims := ec.Dimensions
	if ec.Embedder == config.EmbedderFastEmbed {
		fe, err := embeddings.NewFastEmbed(embeddings.Config{Model: ec.Model, CacheDir: ec.ModelCacheDir})
		if err != nil {
			return nil, fmt.Errorf("loading embedding model %s: %w", ec.Model, err)
		}
		k.closers = append(k.closers, fe)
		embed, dims = fe.Embed, fe.Dimension()
	}
	k.logger.Info("epitaph index",
		zap.String("index", ec.Index),
		zap.String("embedder", ec.Embedder),
		zap.Int("dimensions", dims))

	if ec.Index == config.IndexQdrant {
		x, err := qdrant.NewIndex(ctx, qdrant.Config{
			Host:           ec.Qdrant.Host,
			Port:           ec.Qdrant.Port,
			UseTLS:         ec.Qdrant.UseTLS,
			APIKey:         ec.Qdrant.APIKey.Value(),
			Collection:     ec.Qdrant.Collection,
			RequestTimeout: ec.Qdrant.Timeout.Duration(),
		}, dims, embed, k.logger.Named("qdrant"))
		if err != nil {
			return nil, err
		}
		k.closers = append(k.closers, x)
		return x, nil
	}
	return epitaph.NewChromemIndex(embed)
}

func (k *Kernel) closeIndex() {
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i].Close(); err != nil {
			k.logger.Warn("closing epitaph index", zap.Error(err))
		}
	}
	k.closers = nil
}

var (
	_ io.Closer = (*embeddings.FastEmbed)(nil)
	_ io.Closer = (*qdrant.Index)(nil)
)
