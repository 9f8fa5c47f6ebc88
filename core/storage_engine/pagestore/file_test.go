package pagestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

func TestFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	logger, _ := zap.NewDevelopment()

	fs, err := OpenFileStore(path, FileOptions{PageSize: testPageSize, MaxPages: 10, Create: true, Logger: logger})
	require.NoError(t, err)
	var ids []PageID
	for i := 0; i < 5; i++ {
		id, err := fs.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, fs.WritePage(id, fill(byte(i+1))))
		ids = append(ids, id)
	}
	require.NoError(t, fs.FreePage(ids[1]))
	require.NoError(t, fs.FreePage(ids[3]))
	require.NoError(t, fs.Close())

	fs, err = OpenFileStore(path, FileOptions{Logger: logger})
	require.NoError(t, err)
	defer fs.Close()
	require.Equal(t, testPageSize, fs.PageSize())
	require.Equal(t, 3, fs.LivePages())

	for _, i := range []int{0, 2, 4} {
		page, err := fs.ReadPage(ids[i])
		require.NoError(t, err)
		require.Equal(t, fill(byte(i+1)), page)
	}
	_, err = fs.ReadPage(ids[1])
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	// The persisted free list is LIFO.
	id, err := fs.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, ids[3], id)
	id, err = fs.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, ids[1], id)
}

func TestFileStoreOpenErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pages.db")

	_, err := OpenFileStore(path, FileOptions{PageSize: testPageSize})
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	fs, err := OpenFileStore(path, FileOptions{PageSize: testPageSize, Create: true})
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	_, err = OpenFileStore(path, FileOptions{PageSize: testPageSize, Create: true})
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)

	_, err = OpenFileStore(path, FileOptions{PageSize: 2 * testPageSize})
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)

	junk := filepath.Join(dir, "junk.db")
	require.NoError(t, os.WriteFile(junk, make([]byte, 4*testPageSize), 0o644))
	_, err = OpenFileStore(junk, FileOptions{})
	require.ErrorIs(t, err, dberrors.ErrIO)
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	fs, err := OpenFileStore(path, FileOptions{PageSize: testPageSize, Create: true})
	require.NoError(t, err)
	id, err := fs.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, fs.WritePage(id, fill(0x5A)))
	require.NoError(t, fs.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	slotSize := int64(testPageSize + slotTrailerSize)
	_, err = f.WriteAt([]byte{0xFF}, int64(id)*slotSize+10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fs, err = OpenFileStore(path, FileOptions{})
	require.NoError(t, err)
	defer fs.Close()
	_, err = fs.ReadPage(id)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.ErrorIs(t, err, dberrors.ErrIO)
}

// failWrites points the store at a read-only handle on its own file until the
// returned func is called.
func failWrites(t *testing.T, fs *FileStore) (restore func()) {
	t.Helper()
	ro, err := os.Open(fs.path)
	require.NoError(t, err)
	fs.mu.Lock()
	rw := fs.file
	fs.file = ro
	fs.mu.Unlock()
	return func() {
		fs.mu.Lock()
		fs.file = rw
		fs.mu.Unlock()
		require.NoError(t, ro.Close())
	}
}

func TestFileStoreFailedAllocateLeaksNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	fs, err := OpenFileStore(path, FileOptions{PageSize: testPageSize, Create: true})
	require.NoError(t, err)

	var ids []PageID
	for i := 0; i < 3; i++ {
		id, err := fs.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, fs.FreePage(ids[1]))
	before := fs.header

	// Free-list path.
	restore := failWrites(t, fs)
	_, err = fs.AllocatePage()
	require.ErrorIs(t, err, dberrors.ErrIO)
	restore()
	require.Equal(t, before, fs.header)
	require.Equal(t, 2, fs.LivePages())
	_, err = fs.ReadPage(ids[1])
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	id, err := fs.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, ids[1], id)

	// Fresh-slot path.
	before = fs.header
	restore = failWrites(t, fs)
	_, err = fs.AllocatePage()
	require.ErrorIs(t, err, dberrors.ErrIO)
	restore()
	require.Equal(t, before, fs.header)

	id, err = fs.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, ids[2]+1, id)
	require.Equal(t, 4, fs.LivePages())
	require.NoError(t, fs.Close())

	fs, err = OpenFileStore(path, FileOptions{})
	require.NoError(t, err)
	defer fs.Close()
	require.Equal(t, 4, fs.LivePages())
}
