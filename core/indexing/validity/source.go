package validity

import (
	"context"

	"github.com/sushant-115/gojodb-spatial/core/indexing/spatial"
)

// Record is one item served by a Source and held by the Cache.
type Record struct {
	Region  spatial.Region
	ID      spatial.DataID
	Payload []byte
}

// Source is the slow upstream the Cache fills itself from. Fetch must return
// every record intersecting r; records that do not intersect r are ignored.
type Source interface {
	Fetch(ctx context.Context, r spatial.Region) ([]Record, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, r spatial.Region) ([]Record, error)

func (f SourceFunc) Fetch(ctx context.Context, r spatial.Region) ([]Record, error) {
	return f(ctx, r)
}
