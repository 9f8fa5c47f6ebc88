package spatial

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
)

const (
	metaMagic   uint32 = 0x52545231 // "RTR1"
	metaVersion uint32 = 1
)

// MetaPageID is the reserved metadata page: the first page a fresh store
// hands out.
const MetaPageID pagestore.PageID = 1

// Meta is the tree metadata persisted in the metadata page.
type Meta struct {
	IndexID       uuid.UUID
	PageSize      int
	Dims          int
	MaxEntries    int
	MinEntries    int
	MinFillFactor float64
	Root          pagestore.PageID
	// Height is the number of levels; the root sits at level Height-1.
	Height int
	// Count is the number of data entries.
	Count uint64
	// ModCount increases with every successful insert or delete.
	ModCount uint64
}

// metaRecord is the fixed-size on-page form of Meta.
type metaRecord struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	Dims          uint32
	MaxEntries    uint32
	MinEntries    uint32
	MinFillFactor float64
	Root          uint64
	Height        uint32
	Reserved      uint32
	Count         uint64
	ModCount      uint64
	IndexID       [16]byte
}

func encodeMeta(m Meta, pageSize int) ([]byte, error) {
	rec := metaRecord{
		Magic:         metaMagic,
		Version:       metaVersion,
		PageSize:      uint32(m.PageSize),
		Dims:          uint32(m.Dims),
		MaxEntries:    uint32(m.MaxEntries),
		MinEntries:    uint32(m.MinEntries),
		MinFillFactor: m.MinFillFactor,
		Root:          uint64(m.Root),
		Height:        uint32(m.Height),
		Count:         m.Count,
		ModCount:      m.ModCount,
		IndexID:       m.IndexID,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &rec); err != nil {
		return nil, fmt.Errorf("failed to serialize tree metadata: %w", err)
	}
	if buf.Len() > pageSize {
		return nil, fmt.Errorf("%w: metadata needs %d bytes, page size is %d", dberrors.ErrCapacityViolation, buf.Len(), pageSize)
	}
	page := make([]byte, pageSize)
	copy(page, buf.Bytes())
	return page, nil
}

func decodeMeta(page []byte) (Meta, error) {
	var rec metaRecord
	if err := binary.Read(bytes.NewReader(page), binary.LittleEndian, &rec); err != nil {
		return Meta{}, fmt.Errorf("%w: reading tree metadata: %v", ErrCorruptPage, err)
	}
	if rec.Magic != metaMagic {
		return Meta{}, fmt.Errorf("%w: metadata page has magic 0x%x", ErrCorruptPage, rec.Magic)
	}
	if rec.Version != metaVersion {
		return Meta{}, fmt.Errorf("%w: unsupported metadata version %d", dberrors.ErrInvalidConfig, rec.Version)
	}
	switch {
	case rec.Height < 1:
		return Meta{}, fmt.Errorf("%w: metadata records height %d", ErrCorruptPage, rec.Height)
	case rec.Dims < 1 || rec.Dims > maxDims:
		return Meta{}, fmt.Errorf("%w: metadata records %d dimensions", ErrCorruptPage, rec.Dims)
	case rec.MaxEntries < 2:
		return Meta{}, fmt.Errorf("%w: metadata records node capacity %d", ErrCorruptPage, rec.MaxEntries)
	case rec.MinEntries < 1 || rec.MinEntries > rec.MaxEntries/2:
		return Meta{}, fmt.Errorf("%w: metadata records min entries %d for capacity %d", ErrCorruptPage, rec.MinEntries, rec.MaxEntries)
	}
	return Meta{
		IndexID:       uuid.UUID(rec.IndexID),
		PageSize:      int(rec.PageSize),
		Dims:          int(rec.Dims),
		MaxEntries:    int(rec.MaxEntries),
		MinEntries:    int(rec.MinEntries),
		MinFillFactor: rec.MinFillFactor,
		Root:          pagestore.PageID(rec.Root),
		Height:        int(rec.Height),
		Count:         rec.Count,
		ModCount:      rec.ModCount,
	}, nil
}
