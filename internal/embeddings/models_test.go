package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimension(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"", 384},
		{"BAAI/bge-small-en-v1.5", 384},
		{"BAAI/bge-base-en-v1.5", 768},
		{"fast-bge-small-zh-v1.5", 512},
		{"sentence-transformers/all-MiniLM-L6-v2", 384},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := Dimension(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Dimension("openai/ada-002")
	require.ErrorIs(t, err, ErrUnsupportedModel)
	assert.Contains(t, err.Error(), DefaultModel)
}

func TestModels_Sorted(t *testing.T) {
	models := Models()
	require.Len(t, models, len(modelDimensions))
	assert.IsNonDecreasing(t, models)
}

func TestNewFastEmbed_UnsupportedModel(t *testing.T) {
	_, err := NewFastEmbed(Config{Model: "nope"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, 512, cfg.MaxLength)

	cfg = Config{Model: "BAAI/bge-base-en-v1.5", MaxLength: 256}
	cfg.applyDefaults()
	assert.Equal(t, "BAAI/bge-base-en-v1.5", cfg.Model)
	assert.Equal(t, 256, cfg.MaxLength)
}
