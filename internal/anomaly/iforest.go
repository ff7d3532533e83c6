package anomaly

import (
	"math"
	"math/rand"
)

// A small, dependency-free isolation forest. Outliers isolate in few
// random splits, so short average path lengths mean anomalous points.
// Scores follow the standard normalization 2^(-E[h]/c(n)) into (0,1).

const (
	forestTrees     = 100
	forestSubsample = 256
)

type forestNode struct {
	feature int
	split   float64
	left    *forestNode
	right   *forestNode
	size    int
}

func forestScores(points [][]float64, seed int64) []float64 {
	n := len(points)
	if n == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(seed))
	sample := forestSubsample
	if sample > n {
		sample = n
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sample + 1))))

	trees := make([]*forestNode, forestTrees)
	for t := range trees {
		subset := make([][]float64, sample)
		for i, j := range rng.Perm(n)[:sample] {
			subset[i] = points[j]
		}
		trees[t] = buildForestTree(subset, 0, heightLimit, rng)
	}

	norm := avgPathLength(sample)
	if norm == 0 {
		norm = 1
	}
	out := make([]float64, n)
	for i, p := range points {
		sum := 0.0
		for _, tree := range trees {
			sum += forestPath(tree, p, 0)
		}
		out[i] = math.Pow(2, -(sum/float64(len(trees)))/norm)
	}
	return out
}

func buildForestTree(points [][]float64, depth, limit int, rng *rand.Rand) *forestNode {
	if depth >= limit || len(points) <= 1 {
		return &forestNode{size: len(points)}
	}
	// Pick a random feature that still has spread at this node.
	feature := -1
	var lo, hi float64
	for _, f := range rng.Perm(len(points[0])) {
		lo, hi = points[0][f], points[0][f]
		for _, p := range points[1:] {
			if p[f] < lo {
				lo = p[f]
			}
			if p[f] > hi {
				hi = p[f]
			}
		}
		if hi > lo {
			feature = f
			break
		}
	}
	if feature < 0 {
		return &forestNode{size: len(points)}
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &forestNode{size: len(points)}
	}
	return &forestNode{
		feature: feature,
		split:   split,
		left:    buildForestTree(left, depth+1, limit, rng),
		right:   buildForestTree(right, depth+1, limit, rng),
	}
}

func forestPath(node *forestNode, p []float64, depth int) float64 {
	if node.left == nil {
		return float64(depth) + avgPathLength(node.size)
	}
	if p[node.feature] < node.split {
		return forestPath(node.left, p, depth+1)
	}
	return forestPath(node.right, p, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful
// binary search tree lookup. It terminates truncated leaves and
// normalizes the final score.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	harmonic := math.Log(float64(n-1)) + 0.5772156649
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
