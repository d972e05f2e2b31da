package embedder

import "context"

// Embedder turns text into fixed-dimension vectors. Model and
// Dimensions identify the encoder so callers can check stored vectors
// and the index configuration against it.
type Embedder interface {
	Model() string
	Dimensions() int
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}
