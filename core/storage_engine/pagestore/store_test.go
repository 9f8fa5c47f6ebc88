package pagestore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

const testPageSize = 256

type storeFactory struct {
	name string
	open func(t *testing.T, maxPages int) PageStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T, maxPages int) PageStore {
			s, err := NewMemoryStore(testPageSize, maxPages)
			require.NoError(t, err)
			return s
		}},
		{"file", func(t *testing.T, maxPages int) PageStore {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "pages.db"), FileOptions{
				PageSize: testPageSize, MaxPages: maxPages, Create: true, Logger: zap.NewNop(),
			})
			require.NoError(t, err)
			return s
		}},
		{"cached-file", func(t *testing.T, maxPages int) PageStore {
			fs, err := OpenFileStore(filepath.Join(t.TempDir(), "pages.db"), FileOptions{
				PageSize: testPageSize, MaxPages: maxPages, Create: true,
			})
			require.NoError(t, err)
			cs, err := NewCachedStore(fs, 8, zap.NewNop())
			require.NoError(t, err)
			return cs
		}},
		{"sql", func(t *testing.T, maxPages int) PageStore {
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pages.sqlite"))
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			s, err := OpenSQLStore(context.Background(), db, SQLOptions{
				Table: "pages", PageSize: testPageSize, MaxPages: maxPages, CloseDB: true,
			})
			require.NoError(t, err)
			return s
		}},
	}
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, testPageSize)
}

func TestPageStoreContract(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, 0)
			defer s.Close()
			require.Equal(t, testPageSize, s.PageSize())

			id, err := s.AllocatePage()
			require.NoError(t, err)
			require.NotEqual(t, InvalidPageID, id)

			page, err := s.ReadPage(id)
			require.NoError(t, err)
			require.Equal(t, make([]byte, testPageSize), page, "new pages read as zeros")

			require.NoError(t, s.WritePage(id, fill(0xAB)))
			page, err = s.ReadPage(id)
			require.NoError(t, err)
			require.Equal(t, fill(0xAB), page)

			// Mutating a returned buffer must not reach the store.
			page[0] = 0
			again, err := s.ReadPage(id)
			require.NoError(t, err)
			require.Equal(t, fill(0xAB), again)

			err = s.WritePage(id, make([]byte, testPageSize-1))
			require.ErrorIs(t, err, dberrors.ErrCapacityViolation)
			err = s.WritePage(id, make([]byte, testPageSize+1))
			require.ErrorIs(t, err, dberrors.ErrCapacityViolation)

			_, err = s.ReadPage(InvalidPageID)
			require.ErrorIs(t, err, dberrors.ErrNotFound)
			_, err = s.ReadPage(id + 100)
			require.ErrorIs(t, err, dberrors.ErrNotFound)

			require.NoError(t, s.FreePage(id))
			_, err = s.ReadPage(id)
			require.ErrorIs(t, err, dberrors.ErrNotFound)
			require.ErrorIs(t, s.WritePage(id, fill(1)), dberrors.ErrNotFound)
			require.ErrorIs(t, s.FreePage(id), dberrors.ErrNotFound)

			require.NoError(t, s.Flush())
		})
	}
}

func TestPageStoreRecyclesFreedIDs(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, 0)
			defer s.Close()

			ids := make([]PageID, 4)
			for i := range ids {
				id, err := s.AllocatePage()
				require.NoError(t, err)
				ids[i] = id
			}
			require.NoError(t, s.WritePage(ids[1], fill(7)))
			require.NoError(t, s.FreePage(ids[1]))

			id, err := s.AllocatePage()
			require.NoError(t, err)
			require.Equal(t, ids[1], id)
			page, err := s.ReadPage(id)
			require.NoError(t, err)
			require.Equal(t, make([]byte, testPageSize), page, "recycled page starts zeroed")
		})
	}
}

// A store capped at 100 pages refuses the 101st allocation without touching
// the live pages, and accepts one again after a free.
func TestPageStoreCapacity(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, 100)
			defer s.Close()

			ids := make([]PageID, 100)
			for i := range ids {
				id, err := s.AllocatePage()
				require.NoError(t, err)
				require.NoError(t, s.WritePage(id, fill(byte(i))))
				ids[i] = id
			}

			_, err := s.AllocatePage()
			require.ErrorIs(t, err, ErrStoreFull)
			require.ErrorIs(t, err, dberrors.ErrCapacityViolation)

			for i, id := range ids {
				page, err := s.ReadPage(id)
				require.NoError(t, err)
				require.Equal(t, fill(byte(i)), page)
			}

			require.NoError(t, s.FreePage(ids[50]))
			id, err := s.AllocatePage()
			require.NoError(t, err)
			require.Equal(t, ids[50], id)
		})
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	for _, f := range storeFactories() {
		if f.name == "cached-file" {
			// The cache answers resident pages from memory.
			continue
		}
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t, 0)
			id, err := s.AllocatePage()
			require.NoError(t, err)
			require.NoError(t, s.Close())

			_, err = s.ReadPage(id)
			require.True(t, errors.Is(err, ErrClosed), "got %v", err)
			_, err = s.AllocatePage()
			require.ErrorIs(t, err, dberrors.ErrIO)
		})
	}
}

func TestNewMemoryStoreRejectsSmallPages(t *testing.T) {
	_, err := NewMemoryStore(MinPageSize-1, 0)
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)
}
