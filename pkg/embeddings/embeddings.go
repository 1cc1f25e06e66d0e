// Package embeddings implements the engine's embedding contract:
// embed(text) returns an optional fixed-dimension unit-norm vector, never
// blocking the write path and never treating model absence as an error.
package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/mnemo-db/mnemo/pkg/textclean"
	"github.com/mnemo-db/mnemo/pkg/vecmath"
	"github.com/sentencizer/sentencizer"
	"github.com/vmihailenco/msgpack/v5"
)

// Provider is the contract the engine depends on. Implementations must
// return ok=false rather than an error when the model is simply
// unavailable; err is reserved for genuine failures on an otherwise
// available model.
type Provider interface {
	// Embed returns a unit-norm vector of Dimension() length, or ok=false
	// if no model is loaded.
	Embed(ctx context.Context, text string) (vec []float32, ok bool, err error)
	Dimension() int
	Available() bool
}

// Serialize round-trips a vector to bytes for storage.
func Serialize(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

// Deserialize is the inverse of Serialize.
func Deserialize(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float32
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("deserialize embedding: %w", err)
	}
	return v, nil
}

// Cosine delegates to vecmath, re-exported here so callers only need to
// import one package for the embedding + similarity contract.
func Cosine(a, b []float32) float64 {
	return vecmath.Cosine(a, b)
}

// chunkBySentences splits text into sentence-boundary-aware chunks of at
// most maxWords words each, so a single embed() call never exceeds a
// model's context window.
func chunkBySentences(text string, maxWords int) []string {
	if maxWords <= 0 {
		maxWords = 200
	}
	seg := sentencizer.NewSegmenter("en")
	sentences := seg.Segment(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var cur []string
	wordCount := 0
	for _, sentence := range sentences {
		words := strings.Fields(sentence)
		if wordCount+len(words) > maxWords && len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, " "))
			cur = nil
			wordCount = 0
		}
		cur = append(cur, sentence)
		wordCount += len(words)
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}

// averageAndNormalize mean-pools a set of equal-dimension vectors and
// returns a unit-norm result, so cosine similarity between stored
// embeddings reduces to a dot product.
func averageAndNormalize(vectors [][]float32, dim int) []float32 {
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	n := float64(len(vectors))
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / n)
	}
	return vecmath.Normalize(out)
}

// embedWithChunking cleans and, for long input, chunks text before passing
// it to raw on the underlying model, averaging per-chunk vectors.
func embedWithChunking(ctx context.Context, raw func(ctx context.Context, text string) ([]float32, error), dim, maxWordsPerChunk int, text string) ([]float32, error) {
	cleaned := textclean.Clean(text)
	if cleaned == "" {
		return nil, fmt.Errorf("embed: text is empty after cleaning")
	}

	words := strings.Fields(cleaned)
	if len(words) <= maxWordsPerChunk {
		v, err := raw(ctx, cleaned)
		if err != nil {
			return nil, err
		}
		return vecmath.Normalize(v), nil
	}

	chunks := chunkBySentences(cleaned, maxWordsPerChunk)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("embed: text produced no embeddable chunks")
	}
	vectors := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		v, err := raw(ctx, c)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return averageAndNormalize(vectors, dim), nil
}
