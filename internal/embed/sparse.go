package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// BM25 term-frequency saturation parameter.
const bm25K1 = 1.2

// LocalSparse produces BM25-shape sparse vectors locally: tokens are hashed
// to stable indices and weighted by saturated term frequency. The IDF side
// lives in the vector store's sparse index modifier, so no corpus statistics
// are needed here.
type LocalSparse struct{}

// NewLocalSparse returns the local sparse embedder.
func NewLocalSparse() *LocalSparse { return &LocalSparse{} }

var _ contracts.SparseEmbedder = (*LocalSparse)(nil)

func (s *LocalSparse) Kind() string { return "bm25-local" }

// EmbedSparse encodes each text as a hashed-term sparse vector. Identical
// texts always produce identical vectors.
func (s *LocalSparse) EmbedSparse(ctx context.Context, texts []string) ([]*models.SparseVector, error) {
	out := make([]*models.SparseVector, len(texts))
	for i, text := range texts {
		out[i] = encodeSparse(text)
	}
	return out, nil
}

func encodeSparse(text string) *models.SparseVector {
	counts := make(map[uint32]float32)
	for _, tok := range tokenize(text) {
		counts[termIndex(tok)]++
	}
	sv := &models.SparseVector{
		Indices: make([]uint32, 0, len(counts)),
		Values:  make([]float32, 0, len(counts)),
	}
	for idx, tf := range counts {
		// BM25-style saturation without length normalization; document
		// length effects are dominated by the IDF modifier downstream.
		w := tf * (bm25K1 + 1) / (tf + bm25K1)
		sv.Indices = append(sv.Indices, idx)
		sv.Values = append(sv.Values, float32(math.Round(float64(w)*1e6)/1e6))
	}
	sortSparse(sv)
	return sv
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping single
// character tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// termIndex hashes a token to its stable sparse dimension.
func termIndex(token string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(token))
	return h.Sum32()
}

func sortSparse(sv *models.SparseVector) {
	// Insertion sort by index; vocab per document is small.
	for i := 1; i < len(sv.Indices); i++ {
		for j := i; j > 0 && sv.Indices[j] < sv.Indices[j-1]; j-- {
			sv.Indices[j], sv.Indices[j-1] = sv.Indices[j-1], sv.Indices[j]
			sv.Values[j], sv.Values[j-1] = sv.Values[j-1], sv.Values[j]
		}
	}
}
