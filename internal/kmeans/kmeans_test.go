package kmeans

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoClusters() [][]float32 {
	var data [][]float32
	for i := 0; i < 20; i++ {
		data = append(data, []float32{float32(i%5) * 0.01, 0})
	}
	for i := 0; i < 20; i++ {
		data = append(data, []float32{10 + float32(i%5)*0.01, 0})
	}
	return data
}

func TestTrainSeparatesClusters(t *testing.T) {
	data := twoClusters()
	centroids := Train(data, 2, 20, rand.New(rand.NewSource(42)))
	require.Len(t, centroids, 2)

	// One centroid near 0, the other near 10.
	lo, hi := centroids[0][0], centroids[1][0]
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.InDelta(t, 0.02, lo, 0.1)
	assert.InDelta(t, 10.02, hi, 0.1)
}

func TestTrainDeterministic(t *testing.T) {
	data := twoClusters()
	a := Train(data, 2, 10, rand.New(rand.NewSource(42)))
	b := Train(data, 2, 10, rand.New(rand.NewSource(42)))
	assert.Equal(t, a, b)
}

func TestTrainMoreCentroidsThanPoints(t *testing.T) {
	data := [][]float32{{1, 1}, {2, 2}}
	centroids := Train(data, 5, 5, rand.New(rand.NewSource(1)))
	require.Len(t, centroids, 5)
	for _, c := range centroids {
		assert.Len(t, c, 2)
	}
}

func TestTrainEmptyInput(t *testing.T) {
	assert.Nil(t, Train(nil, 3, 5, rand.New(rand.NewSource(1))))
}

func TestNearest(t *testing.T) {
	centroids := [][]float32{{0, 0}, {10, 0}, {5, 5}}
	assert.Equal(t, 0, Nearest([]float32{1, 0}, centroids))
	assert.Equal(t, 1, Nearest([]float32{9, 1}, centroids))
	assert.Equal(t, 2, Nearest([]float32{5, 4}, centroids))
}

func TestTrainCentroidsAreCopies(t *testing.T) {
	data := [][]float32{{1, 1}, {1, 1}, {1, 1}}
	centroids := Train(data, 1, 1, rand.New(rand.NewSource(1)))
	require.Len(t, centroids, 1)
	centroids[0][0] = 99
	assert.Equal(t, float32(1), data[0][0])
	assert.Equal(t, float32(1), data[1][0])
	assert.Equal(t, float32(1), data[2][0])
}
