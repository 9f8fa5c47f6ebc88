package spatial

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
)

func TestNodeCapacity(t *testing.T) {
	require.Equal(t, 102, NodeCapacity(4096, 2))
	require.Equal(t, 3, NodeCapacity(128, 2))
	require.Zero(t, NodeCapacity(8, 2))
	require.Zero(t, NodeCapacity(4096, 0))
}

func TestNodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		node *Node
		dims int
	}{
		{"empty leaf", &Node{ID: 2}, 2},
		{"leaf", &Node{ID: 3, Entries: []Entry{
			{Region: Rect(0, 0, 1, 1), ID: 7},
			{Region: Point(-3.5, 1e9), ID: 1 << 60},
		}}, 2},
		{"internal", &Node{ID: 9, Level: 3, Entries: []Entry{
			{Region: Region{Low: []float64{0, 0, 0}, High: []float64{1, 1, 1}}, ID: 4},
		}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := EncodeNode(tt.node, tt.dims, 512)
			require.NoError(t, err)
			require.Len(t, page, 512)

			got, err := DecodeNode(tt.node.ID, page)
			require.NoError(t, err)
			require.Equal(t, tt.node.ID, got.ID)
			require.Equal(t, tt.node.Level, got.Level)
			require.Len(t, got.Entries, len(tt.node.Entries))
			for i, e := range tt.node.Entries {
				require.True(t, e.Region.Equal(got.Entries[i].Region), "entry %d region", i)
				require.Equal(t, e.ID, got.Entries[i].ID)
			}
		})
	}
}

func TestEncodeNodeFailsFast(t *testing.T) {
	full := &Node{ID: 1}
	for i := 0; i < NodeCapacity(128, 2)+1; i++ {
		full.Entries = append(full.Entries, Entry{Region: Point(float64(i), 0), ID: uint64(i)})
	}
	_, err := EncodeNode(full, 2, 128)
	require.ErrorIs(t, err, dberrors.ErrCapacityViolation)

	mixed := &Node{ID: 1, Entries: []Entry{{Region: Point(1, 2, 3), ID: 1}}}
	_, err = EncodeNode(mixed, 2, 128)
	require.ErrorIs(t, err, dberrors.ErrCapacityViolation)
}

func TestDecodeNodeRejectsGarbage(t *testing.T) {
	good, err := EncodeNode(&Node{ID: 1, Entries: []Entry{{Region: Point(1, 1), ID: 1}}}, 2, 128)
	require.NoError(t, err)

	corrupt := func(mutate func(p []byte)) []byte {
		p := append([]byte(nil), good...)
		mutate(p)
		return p
	}
	pages := map[string][]byte{
		"short":         good[:4],
		"bad kind":      corrupt(func(p []byte) { p[0] = 9 }),
		"leaf at level": corrupt(func(p []byte) { p[2] = 1 }),
		"no dims":       corrupt(func(p []byte) { p[1] = 0 }),
		"huge count":    corrupt(func(p []byte) { p[4] = 0xFF }),
	}
	for name, page := range pages {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeNode(pagestore.PageID(1), page)
			require.ErrorIs(t, err, ErrCorruptPage)
			require.ErrorIs(t, err, dberrors.ErrIO)
		})
	}
}

func TestMetaRoundTrip(t *testing.T) {
	store, err := pagestore.NewMemoryStore(512, 0)
	require.NoError(t, err)
	tree, err := Create(store, Config{MaxEntries: 4})
	require.NoError(t, err)

	page, err := encodeMeta(tree.Meta(), 512)
	require.NoError(t, err)
	got, err := decodeMeta(page)
	require.NoError(t, err)
	require.Equal(t, tree.Meta(), got)

	page[0] ^= 0xFF
	_, err = decodeMeta(page)
	require.ErrorIs(t, err, dberrors.ErrIO)
}

func TestDecodeMetaRejectsImpossibleShapes(t *testing.T) {
	store, err := pagestore.NewMemoryStore(512, 0)
	require.NoError(t, err)
	tree, err := Create(store, Config{MaxEntries: 4})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(m *Meta)
	}{
		{"zero height", func(m *Meta) { m.Height = 0 }},
		{"zero dims", func(m *Meta) { m.Dims = 0 }},
		{"too many dims", func(m *Meta) { m.Dims = maxDims + 1 }},
		{"capacity one", func(m *Meta) { m.MaxEntries = 1; m.MinEntries = 1 }},
		{"zero min entries", func(m *Meta) { m.MinEntries = 0 }},
		{"min above half", func(m *Meta) { m.MinEntries = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tree.Meta()
			tt.mutate(&m)
			page, err := encodeMeta(m, 512)
			require.NoError(t, err)
			_, err = decodeMeta(page)
			require.ErrorIs(t, err, ErrCorruptPage)

			require.NoError(t, store.WritePage(MetaPageID, page))
			_, err = Open(store)
			require.ErrorIs(t, err, ErrCorruptPage)
		})
	}
}
