package textsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaccard(t *testing.T) {
	t.Run("Should treat reordered phrases with stop words as identical", func(t *testing.T) {
		score := Jaccard("quantum error correction basics", "basics of quantum error correction")
		assert.InDelta(t, 1.0, score, 1e-9)
	})
	t.Run("Should score unrelated phrases near zero", func(t *testing.T) {
		assert.InDelta(t, 0.0, Jaccard("quantum computing", "medieval pottery"), 1e-9)
	})
	t.Run("Should score partial overlap between bounds", func(t *testing.T) {
		score := Jaccard("More information about quantum computing", "What is quantum computing?")
		assert.InDelta(t, 0.5, score, 1e-9)
	})
}

func TestCoverage(t *testing.T) {
	t.Run("Should return the share of reference terms found in text", func(t *testing.T) {
		assert.InDelta(t, 0.5, Coverage("quantum computing", "quantum physics overview"), 1e-9)
	})
	t.Run("Should return zero for an empty reference", func(t *testing.T) {
		assert.Equal(t, 0.0, Coverage("the of", "anything"))
	})
}

func TestSimHash(t *testing.T) {
	t.Run("Should produce equal hashes for text differing only in case and punctuation", func(t *testing.T) {
		a := SimHash("Qubits exploit superposition to encode many states at once.")
		b := SimHash("qubits exploit superposition, to encode many states at once")
		assert.Equal(t, 0, Hamming(a, b))
	})
	t.Run("Should keep unrelated text far apart", func(t *testing.T) {
		a := SimHash("Qubits exploit superposition to encode many states at once")
		b := SimHash("The Roman aqueduct network supplied water to growing cities")
		assert.Greater(t, Hamming(a, b), 3)
	})
	t.Run("Should return zero for text without content words", func(t *testing.T) {
		assert.Equal(t, uint64(0), SimHash("the of and"))
	})
}
