package spatial

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

func TestIndexManagerConcurrentAccess(t *testing.T) {
	im := NewIndexManager(newTestTree(t, 1024, 8), zap.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := DataID(w*1000 + i)
				assert.NoError(t, im.Insert(Point(float64(w), float64(i)), id))
				_, err := im.Search(Rect(0, 0, 10, 200), Intersects)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.EqualValues(t, 400, im.Count())
	require.EqualValues(t, 400, im.ModCount())
	require.NoError(t, im.Verify())
	entries, err := im.Search(Rect(1, 0, 1, 1000), Intersects)
	require.NoError(t, err)
	require.Len(t, entries, 100)
}

func TestIndexManagerReplace(t *testing.T) {
	im := NewIndexManager(newTestTree(t, 1024, 8), nil)
	require.NoError(t, im.Insert(Rect(0, 0, 1, 1), 1))
	require.NoError(t, im.Insert(Rect(5, 5, 6, 6), 2))
	require.NoError(t, im.Insert(Rect(20, 20, 21, 21), 3))

	removed, err := im.Replace(Rect(0, 0, 10, 10), []Entry{
		{Region: Rect(2, 2, 3, 3), ID: 4},
		{Region: Rect(5, 5, 6, 6), ID: 2},
	})
	require.NoError(t, err)
	require.Len(t, removed, 2)

	entries, err := im.Search(Rect(-100, -100, 100, 100), Intersects)
	require.NoError(t, err)
	var ids []DataID
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	require.ElementsMatch(t, []DataID{2, 3, 4}, ids)

	before := im.ModCount()
	_, err = im.Replace(Rect(0, 0, 10, 10), []Entry{{Region: Rect(1, 1, 0, 0), ID: 9}})
	require.ErrorIs(t, err, dberrors.ErrInvalidRegion)
	require.Equal(t, before, im.ModCount(), "rejected before any change")
}

func TestIndexManagerStatsAndDelete(t *testing.T) {
	im := NewIndexManager(newTestTree(t, 1024, 8), nil)
	for i := 0; i < 30; i++ {
		require.NoError(t, im.Insert(Point(float64(i), 0), DataID(i)))
	}
	require.NoError(t, im.Delete(Point(3, 0), 3))
	require.ErrorIs(t, im.Delete(Point(3, 0), 3), dberrors.ErrNotFound)

	st, err := im.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 29, st.Count)
	require.Equal(t, 29, st.Levels[len(st.Levels)-1].Entries)
	require.Equal(t, im.Meta().Height, st.Height)
	require.NoError(t, im.Flush())
	require.NoError(t, im.Close())
}
