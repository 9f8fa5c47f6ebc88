package pagestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

const (
	fileMagic   uint32 = 0x53504731 // "SPG1"
	fileVersion uint32 = 1

	// Every slot carries a trailer after the page payload:
	// state (uint32) | reserved (uint32) | xxhash64 of the payload (uint64).
	slotTrailerSize = 16

	slotLive uint32 = 1
	slotFree uint32 = 2
)

// fileHeader lives in slot 0. All fields are fixed size so binary.Read and
// binary.Write agree on the layout.
type fileHeader struct {
	Magic     uint32
	Version   uint32
	PageSize  uint32
	Reserved  uint32
	MaxPages  uint64
	NumSlots  uint64 // includes the header slot
	FreeHead  uint64 // first slot of the free list, 0 when empty
	LivePages uint64
}

var fileHeaderSize = binary.Size(fileHeader{})

// FileOptions configures OpenFileStore.
type FileOptions struct {
	// PageSize is required when creating; on open it must match the file.
	PageSize int
	// MaxPages bounds the live pages; zero means unbounded. Ignored on open,
	// the persisted value wins.
	MaxPages int
	// Create makes a new file and fails if one already exists.
	Create bool
	Logger *zap.Logger
}

// FileStore keeps pages in a single file. Slot 0 is a header; freed slots
// form a linked list whose head is persisted in the header.
type FileStore struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	header   fileHeader
	pageSize int
	slotSize int64
	free     *bitset.BitSet
	logger   *zap.Logger
}

// OpenFileStore opens or creates a page file.
func OpenFileStore(path string, opts FileOptions) (*FileStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fs := &FileStore{path: path, logger: logger.Named("file_store"), free: bitset.New(64)}

	_, statErr := os.Stat(path)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		if !opts.Create {
			return nil, fmt.Errorf("%w: page file %s does not exist", dberrors.ErrNotFound, path)
		}
		if err := fs.create(opts); err != nil {
			return nil, err
		}
	case statErr == nil:
		if opts.Create {
			return nil, fmt.Errorf("%w: page file %s already exists", dberrors.ErrInvalidConfig, path)
		}
		if err := fs.open(opts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", dberrors.ErrIO, path, statErr)
	}
	return fs, nil
}

func (fs *FileStore) create(opts FileOptions) error {
	if err := checkPageSize(opts.PageSize); err != nil {
		return err
	}
	if opts.PageSize < fileHeaderSize {
		return fmt.Errorf("%w: page size %d cannot hold the file header", dberrors.ErrInvalidConfig, opts.PageSize)
	}
	file, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating file %s: %v", dberrors.ErrIO, fs.path, err)
	}
	fs.file = file
	fs.pageSize = opts.PageSize
	fs.slotSize = int64(opts.PageSize + slotTrailerSize)
	fs.header = fileHeader{
		Magic:    fileMagic,
		Version:  fileVersion,
		PageSize: uint32(opts.PageSize),
		MaxPages: uint64(max(opts.MaxPages, 0)),
		NumSlots: 1,
	}
	if err := fs.writeHeader(); err != nil {
		_ = file.Close()
		_ = os.Remove(fs.path)
		return err
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing new file %s: %v", dberrors.ErrIO, fs.path, err)
	}
	fs.logger.Info("Created page file",
		zap.String("path", fs.path), zap.Int("page_size", fs.pageSize), zap.Uint64("max_pages", fs.header.MaxPages))
	return nil
}

func (fs *FileStore) open(opts FileOptions) error {
	file, err := os.OpenFile(fs.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening file %s: %v", dberrors.ErrIO, fs.path, err)
	}
	fs.file = file
	if err := fs.readHeader(); err != nil {
		_ = file.Close()
		return err
	}
	if fs.header.Magic != fileMagic {
		_ = file.Close()
		return fmt.Errorf("%w: %s is not a page file (magic 0x%x)", dberrors.ErrIO, fs.path, fs.header.Magic)
	}
	if opts.PageSize != 0 && int(fs.header.PageSize) != opts.PageSize {
		_ = file.Close()
		return fmt.Errorf("%w: file page size %d does not match configured %d", dberrors.ErrInvalidConfig, fs.header.PageSize, opts.PageSize)
	}
	fs.pageSize = int(fs.header.PageSize)
	fs.slotSize = int64(fs.pageSize + slotTrailerSize)

	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: getting file info: %v", dberrors.ErrIO, err)
	}
	if fi.Size() < int64(fs.header.NumSlots)*fs.slotSize {
		_ = file.Close()
		return fmt.Errorf("%w: file %s is truncated (%d bytes for %d slots)", dberrors.ErrIO, fs.path, fi.Size(), fs.header.NumSlots)
	}
	if err := fs.loadFreeList(); err != nil {
		_ = file.Close()
		return err
	}
	fs.logger.Info("Opened page file",
		zap.String("path", fs.path), zap.Int("page_size", fs.pageSize),
		zap.Uint64("slots", fs.header.NumSlots), zap.Uint64("live_pages", fs.header.LivePages))
	return nil
}

// loadFreeList walks the on-disk free list to rebuild the in-memory set.
func (fs *FileStore) loadFreeList() error {
	next := fs.header.FreeHead
	for steps := uint64(0); next != 0; steps++ {
		if steps >= fs.header.NumSlots || next >= fs.header.NumSlots || fs.free.Test(uint(next)) {
			return fmt.Errorf("%w: free list of %s is corrupt at slot %d", dberrors.ErrIO, fs.path, next)
		}
		fs.free.Set(uint(next))
		payload, state, err := fs.readSlot(PageID(next))
		if err != nil {
			return err
		}
		if state != slotFree {
			return fmt.Errorf("%w: slot %d is on the free list but not marked free", dberrors.ErrIO, next)
		}
		next = binary.LittleEndian.Uint64(payload)
	}
	return nil
}

func (fs *FileStore) writeHeader() error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &fs.header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", dberrors.ErrIO, err)
	}
	data := make([]byte, fs.slotSize)
	copy(data, buf.Bytes())
	if _, err := fs.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", dberrors.ErrIO, err)
	}
	return nil
}

func (fs *FileStore) readHeader() error {
	data := make([]byte, fileHeaderSize)
	n, err := fs.file.ReadAt(data, 0)
	if err != nil {
		if errors.Is(err, io.EOF) && n < fileHeaderSize {
			return fmt.Errorf("%w: page file is too small or corrupted (header too short)", dberrors.ErrIO)
		}
		return fmt.Errorf("%w: reading header from disk: %v", dberrors.ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &fs.header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", dberrors.ErrIO, err)
	}
	return nil
}

func (fs *FileStore) readSlot(id PageID) ([]byte, uint32, error) {
	slot := make([]byte, fs.slotSize)
	offset := int64(id) * fs.slotSize
	if _, err := fs.file.ReadAt(slot, offset); err != nil {
		return nil, 0, fmt.Errorf("%w: reading page %d at offset %d: %v", dberrors.ErrIO, id, offset, err)
	}
	payload := slot[:fs.pageSize]
	trailer := slot[fs.pageSize:]
	state := binary.LittleEndian.Uint32(trailer[0:4])
	sum := binary.LittleEndian.Uint64(trailer[8:16])
	if sum != xxhash.Sum64(payload) {
		return nil, state, fmt.Errorf("%w: page %d", ErrChecksumMismatch, id)
	}
	return payload, state, nil
}

func (fs *FileStore) writeSlot(id PageID, payload []byte, state uint32) error {
	slot := make([]byte, fs.slotSize)
	copy(slot, payload)
	trailer := slot[fs.pageSize:]
	binary.LittleEndian.PutUint32(trailer[0:4], state)
	binary.LittleEndian.PutUint64(trailer[8:16], xxhash.Sum64(slot[:fs.pageSize]))
	offset := int64(id) * fs.slotSize
	if _, err := fs.file.WriteAt(slot, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", dberrors.ErrIO, id, offset, err)
	}
	return nil
}

// isLive must be called with fs.mu held.
func (fs *FileStore) isLive(id PageID) bool {
	return id != InvalidPageID && uint64(id) < fs.header.NumSlots && !fs.free.Test(uint(id))
}

func (fs *FileStore) PageSize() int { return fs.pageSize }

// LivePages returns the number of allocated, not freed, pages.
func (fs *FileStore) LivePages() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return int(fs.header.LivePages)
}

func (fs *FileStore) AllocatePage() (PageID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return InvalidPageID, ErrClosed
	}

	var (
		id       PageID
		prevLink []byte
	)
	next := fs.header
	if next.FreeHead != 0 {
		id = PageID(next.FreeHead)
		payload, _, err := fs.readSlot(id)
		if err != nil {
			return InvalidPageID, err
		}
		prevLink = payload[:8:8]
		next.FreeHead = binary.LittleEndian.Uint64(payload)
	} else {
		if next.MaxPages > 0 && next.LivePages >= next.MaxPages {
			return InvalidPageID, ErrStoreFull
		}
		id = PageID(next.NumSlots)
		next.NumSlots++
	}
	next.LivePages++

	// Nothing in memory changes until the slot is on disk.
	if err := fs.writeSlot(id, nil, slotLive); err != nil {
		return InvalidPageID, err
	}
	prev := fs.header
	fs.header = next
	fs.free.Clear(uint(id))
	if err := fs.writeHeader(); err != nil {
		fs.header = prev
		if prevLink != nil {
			fs.free.Set(uint(id))
			if rerr := fs.writeSlot(id, prevLink, slotFree); rerr != nil {
				fs.logger.Error("Failed to restore free slot after header write failure",
					zap.Uint64("page_id", uint64(id)), zap.Error(rerr))
			}
		}
		return InvalidPageID, err
	}
	return id, nil
}

func (fs *FileStore) ReadPage(id PageID) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil, ErrClosed
	}
	if !fs.isLive(id) {
		return nil, notFound(id)
	}
	payload, state, err := fs.readSlot(id)
	if err != nil {
		return nil, err
	}
	if state != slotLive {
		return nil, fmt.Errorf("%w: page %d is not marked live", dberrors.ErrIO, id)
	}
	return payload, nil
}

func (fs *FileStore) WritePage(id PageID, data []byte) error {
	if err := checkPageData(id, data, fs.pageSize); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return ErrClosed
	}
	if !fs.isLive(id) {
		return notFound(id)
	}
	// No Sync here; Flush is the durability barrier.
	return fs.writeSlot(id, data, slotLive)
}

func (fs *FileStore) FreePage(id PageID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return ErrClosed
	}
	if !fs.isLive(id) {
		return notFound(id)
	}
	link := make([]byte, 8)
	binary.LittleEndian.PutUint64(link, fs.header.FreeHead)
	if err := fs.writeSlot(id, link, slotFree); err != nil {
		return err
	}
	fs.header.FreeHead = uint64(id)
	fs.header.LivePages--
	fs.free.Set(uint(id))
	return fs.writeHeader()
}

func (fs *FileStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return ErrClosed
	}
	return fs.flushLocked()
}

func (fs *FileStore) flushLocked() error {
	if err := fs.writeHeader(); err != nil {
		return err
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", dberrors.ErrIO, fs.path, err)
	}
	return nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	flushErr := fs.flushLocked()
	closeErr := fs.file.Close()
	fs.file = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", dberrors.ErrIO, fs.path, closeErr)
	}
	return nil
}
