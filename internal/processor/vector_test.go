package processor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFloat32VectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	raw := encodeFloat32Vector(vec)
	require.Len(t, raw, len(vec)*4)

	decoded := decodeFloat32Vector(raw)
	require.Equal(t, vec, decoded)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	require.InDelta(t, 1.0, cosineSimilarity(a, b), 1e-9)

	c := []float32{0, 1, 0}
	require.InDelta(t, 0.0, cosineSimilarity(a, c), 1e-9)

	require.Equal(t, float64(0), cosineSimilarity(nil, nil))
	require.Equal(t, float64(0), cosineSimilarity(a, []float32{1, 0}))
}
