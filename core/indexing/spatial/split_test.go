package spatial

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuadraticSplitPartitions(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 13))
	for _, tc := range []struct{ n, min int }{{5, 1}, {5, 2}, {41, 16}, {103, 40}, {3, 1}} {
		entries := make([]Entry, tc.n)
		for i := range entries {
			entries[i] = Entry{Region: randomRect(rng, 100, 10), ID: uint64(i)}
		}
		left, right := quadraticSplit(entries, tc.min)
		require.GreaterOrEqual(t, len(left), tc.min)
		require.GreaterOrEqual(t, len(right), tc.min)

		var ids []uint64
		for _, e := range append(slices.Clone(left), right...) {
			ids = append(ids, e.ID)
		}
		slices.Sort(ids)
		want := make([]uint64, tc.n)
		for i := range want {
			want[i] = uint64(i)
		}
		require.Equal(t, want, ids, "every entry lands in exactly one group")
	}
}

func TestQuadraticSplitSeparatesClusters(t *testing.T) {
	var entries []Entry
	for i := 0; i < 3; i++ {
		entries = append(entries, Entry{Region: Point(float64(i), 0), ID: uint64(i)})
		entries = append(entries, Entry{Region: Point(100+float64(i), 100), ID: uint64(10 + i)})
	}
	left, right := quadraticSplit(entries, 2)
	group := func(es []Entry) bool {
		far := es[0].ID >= 10
		for _, e := range es {
			if (e.ID >= 10) != far {
				return false
			}
		}
		return true
	}
	require.True(t, group(left))
	require.True(t, group(right))
}

func TestChooseSubtreeTieBreaks(t *testing.T) {
	entries := []Entry{
		{Region: Rect(0, 0, 10, 10)},
		{Region: Rect(0, 0, 4, 4)},
		{Region: Rect(0, 0, 4, 4)},
	}
	// No enlargement for any; the smaller area wins, then the lower index.
	require.Equal(t, 1, chooseSubtree(entries, Point(1, 1)))
	// Least enlargement wins over area.
	require.Equal(t, 0, chooseSubtree(entries, Point(8, 8)))
	require.Equal(t, -1, chooseSubtree(nil, Point(1, 1)))

	huge := []Entry{
		{Region: Rect(-math.MaxFloat64, -math.MaxFloat64, math.MaxFloat64, math.MaxFloat64)},
		{Region: Rect(-math.MaxFloat64, 0, math.MaxFloat64, 1)},
	}
	require.Equal(t, 0, chooseSubtree(huge, Point(1, 1)), "NaN enlargements still pick an entry")
}
