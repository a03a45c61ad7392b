package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigamaps/schoolstats/internal/store"
)

func TestAggregate_AvgSchoolDistance(t *testing.T) {
	t.Parallel()

	assert.Nil(t, AvgSchoolDistance(nil))
	assert.Nil(t, AvgSchoolDistance([]store.Point{{Lat: 1, Lon: 1}}))

	// One degree of longitude on the equator is about 111.19 km.
	d := AvgSchoolDistance([]store.Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}})
	require.NotNil(t, d)
	assert.InDelta(t, 111.19, *d, 0.1)

	// Equidistant points average to the same pairwise distance.
	d = AvgSchoolDistance([]store.Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 0, Lon: 2}})
	require.NotNil(t, d)
	// Pairs: 1 degree, 1 degree, 2 degrees.
	assert.InDelta(t, 111.19*4/3, *d, 0.2)
}

func TestAggregate_HaversineKm(t *testing.T) {
	t.Parallel()

	// Paris to London, roughly 344 km.
	paris := store.Point{Lat: 48.8566, Lon: 2.3522}
	london := store.Point{Lat: 51.5074, Lon: -0.1278}
	assert.InDelta(t, 344, haversineKm(paris, london), 2)

	assert.Zero(t, haversineKm(paris, paris))
}

func TestAggregate_KMeansCentroids(t *testing.T) {
	t.Parallel()

	// Two tight clusters; the centroids should land near their means.
	var points []store.Point
	for i := 0; i < 50; i++ {
		points = append(points, store.Point{Lat: 10 + float64(i%5)*0.01, Lon: 10})
	}
	for i := 0; i < 50; i++ {
		points = append(points, store.Point{Lat: -10 + float64(i%5)*0.01, Lon: -10})
	}

	centroids := kmeansCentroids(points, 2)
	require.Len(t, centroids, 2)

	near := func(p store.Point, lat, lon float64) bool {
		return p.Lat > lat-1 && p.Lat < lat+1 && p.Lon > lon-1 && p.Lon < lon+1
	}
	foundNorth, foundSouth := false, false
	for _, c := range centroids {
		if near(c, 10, 10) {
			foundNorth = true
		}
		if near(c, -10, -10) {
			foundSouth = true
		}
	}
	assert.True(t, foundNorth)
	assert.True(t, foundSouth)

	// Same input, same centroids.
	assert.Equal(t, centroids, kmeansCentroids(points, 2))
}
