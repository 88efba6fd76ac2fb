// Package embedding provides deterministic local text embeddings.
//
// Vectors are produced by feature hashing: each word token and each character
// trigram contributes a signed unit weight at a hashed index. No model call is
// involved, so the same text always maps to the same vector across processes.
// Vectors are L2-normalized, which makes the dot product a valid cosine
// similarity.
package embedding

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dim is the fixed width of all embedding vectors.
const Dim = 384

// trigramWeight is the contribution of a character trigram relative to a
// whole-token feature.
const trigramWeight = 0.5

// Vector is a float32 embedding vector.
type Vector = []float32

// Embed converts text into a Dim-wide L2-normalized vector. It is total over
// any Unicode string; input with no usable tokens yields the zero vector.
func Embed(text string) Vector {
	vec := make(Vector, Dim)

	for _, token := range tokenize(text) {
		addFeature(vec, token, 1.0)
		for _, tri := range trigrams(token) {
			addFeature(vec, tri, trigramWeight)
		}
	}

	normalize(vec)
	return vec
}

// Similarity returns the cosine similarity of two vectors produced by Embed.
// Because Embed pre-normalizes, this is a plain dot product.
func Similarity(a, b Vector) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// tokenize lowercases text and splits it into letter/digit runs, dropping
// tokens of length <= 1.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// trigrams returns the character trigrams of token padded with boundary
// markers, so prefixes and suffixes hash distinctly from interior runs.
func trigrams(token string) []string {
	runes := []rune("\x02" + token + "\x03")
	if len(runes) < 3 {
		return nil
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}

// addFeature accumulates a signed weight for one hashed feature. The index and
// the sign come from two independent hashes so that sign bias does not follow
// bucket placement.
func addFeature(vec Vector, feature string, weight float32) {
	idx := hashString(feature) % Dim
	if signOf(feature) {
		vec[idx] += weight
	} else {
		vec[idx] -= weight
	}
}

// hashString is a stable FNV-1a 64 hash; no per-process seed.
func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// signOf derives the feature sign from a second hash, independent of the
// index hash by virtue of the prefix byte.
func signOf(s string) bool {
	h := fnv.New64a()
	h.Write([]byte{0x01})
	h.Write([]byte(s))
	return h.Sum64()&1 == 0
}

// normalize divides by the Euclidean norm in place; a zero vector stays zero.
func normalize(vec Vector) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
