package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Hash implements Embedder without any external service. Vectors are derived
// from SHA-256 digests of the input, so equal texts always embed identically
// and different texts almost never collide. The vectors carry no semantic
// signal — this backend exists for tests, CI, and offline development where
// the full pipeline must run end to end without a model server.
type Hash struct {
	dimensions int
}

// NewHash constructs a Hash embedder producing vectors of the given length.
func NewHash(dimensions int) *Hash {
	if dimensions <= 0 {
		dimensions = defaultHashDimensions
	}
	return &Hash{dimensions: dimensions}
}

// Embed derives one unit-length vector per input text.
func (e *Hash) Embed(_ context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = e.vector(text)
	}
	return embeddings, nil
}

// vector expands the text's digest chain into dimension components in
// [-1, 1] and normalizes the result to unit length, so cosine scores from
// hash vectors stay in the same range real embeddings produce.
func (e *Hash) vector(text string) []float32 {
	vec := make([]float32, e.dimensions)

	var counter uint32
	digest := sha256.Sum256([]byte(text))
	offset := 0
	for i := range vec {
		if offset+4 > len(digest) {
			counter++
			var block [4]byte
			binary.BigEndian.PutUint32(block[:], counter)
			digest = sha256.Sum256(append(digest[:], block[:]...))
			offset = 0
		}
		u := binary.BigEndian.Uint32(digest[offset : offset+4])
		offset += 4
		vec[i] = float32(u)/float32(math.MaxUint32)*2 - 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
