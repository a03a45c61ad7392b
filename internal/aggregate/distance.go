package aggregate

import (
	"math"

	"github.com/gigamaps/schoolstats/internal/store"
)

const (
	earthRadiusKm = 6371.0088

	// Above this many geolocated schools the exact pairwise mean gets
	// quadratic; cluster first and measure the centroids instead.
	maxExactPoints = 5000

	kmeansIterations = 20
)

// AvgSchoolDistance returns the mean pairwise haversine distance, in
// kilometers, between a country's geolocated schools. Countries with fewer
// than two located schools have no meaningful distance and get nil. Large
// countries are reduced to k-means centroids first, which keeps the result
// within a few percent of the exact mean at a fraction of the cost.
func AvgSchoolDistance(points []store.Point) *float64 {
	if len(points) < 2 {
		return nil
	}
	if len(points) > maxExactPoints {
		points = kmeansCentroids(points, maxExactPoints)
	}
	d := meanPairwiseDistance(points)
	return &d
}

func meanPairwiseDistance(points []store.Point) float64 {
	var sum float64
	var n int
	for i := 1; i < len(points); i++ {
		for j := 0; j < i; j++ {
			sum += haversineKm(points[i], points[j])
			n++
		}
	}
	return sum / float64(n)
}

func haversineKm(a, b store.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// kmeansCentroids runs a fixed-budget Lloyd's iteration over the points.
// Seeds are evenly spaced input points, so the same roster always yields the
// same centroids.
func kmeansCentroids(points []store.Point, k int) []store.Point {
	centroids := make([]store.Point, k)
	stride := float64(len(points)) / float64(k)
	for i := 0; i < k; i++ {
		centroids[i] = points[int(float64(i)*stride)]
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, p := range points {
			best := assignments[i]
			bestDist := squaredDeg(p, centroids[best])
			for c := range centroids {
				if d := squaredDeg(p, centroids[c]); d < bestDist {
					best, bestDist = c, d
				}
			}
			if best != assignments[i] {
				assignments[i] = best
				changed = true
			}
		}

		sums := make([]store.Point, k)
		counts := make([]int, k)
		for i, p := range points {
			c := assignments[i]
			sums[c].Lat += p.Lat
			sums[c].Lon += p.Lon
			counts[c]++
		}
		for c := range centroids {
			if counts[c] > 0 {
				centroids[c] = store.Point{
					Lat: sums[c].Lat / float64(counts[c]),
					Lon: sums[c].Lon / float64(counts[c]),
				}
			}
		}
		if !changed && iter > 0 {
			break
		}
	}
	return centroids
}

// squaredDeg is the squared euclidean distance in degree space; good enough
// for cluster assignment, where only relative order matters.
func squaredDeg(a, b store.Point) float64 {
	dLat := a.Lat - b.Lat
	dLon := a.Lon - b.Lon
	return dLat*dLat + dLon*dLon
}
