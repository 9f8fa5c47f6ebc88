package spatial

import (
	"fmt"
	"math"
	"strings"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

// Region is an axis-aligned bounding box in N dimensions.
type Region struct {
	Low  []float64
	High []float64
}

// NewRegion copies low and high into a validated region.
func NewRegion(low, high []float64) (Region, error) {
	r := Region{Low: append([]float64(nil), low...), High: append([]float64(nil), high...)}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// Rect builds a 2-D region. It does not validate.
func Rect(minX, minY, maxX, maxY float64) Region {
	return Region{Low: []float64{minX, minY}, High: []float64{maxX, maxY}}
}

// Point builds a degenerate region at the given coordinates.
func Point(coords ...float64) Region {
	return Region{Low: append([]float64(nil), coords...), High: append([]float64(nil), coords...)}
}

// Dims returns the number of dimensions, 0 for the zero Region.
func (r Region) Dims() int { return len(r.Low) }

// IsEmpty reports whether r is the zero Region.
func (r Region) IsEmpty() bool { return len(r.Low) == 0 }

// Validate checks low[i] <= high[i] and rejects non-finite and ragged
// coordinates.
func (r Region) Validate() error {
	if len(r.Low) == 0 || len(r.Low) != len(r.High) {
		return fmt.Errorf("%w: %d low and %d high coordinates", dberrors.ErrInvalidRegion, len(r.Low), len(r.High))
	}
	if len(r.Low) > maxDims {
		return fmt.Errorf("%w: %d dimensions exceeds the maximum of %d", dberrors.ErrInvalidRegion, len(r.Low), maxDims)
	}
	for i := range r.Low {
		lo, hi := r.Low[i], r.High[i]
		if math.IsNaN(lo) || math.IsNaN(hi) {
			return fmt.Errorf("%w: NaN in dimension %d", dberrors.ErrInvalidRegion, i)
		}
		if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return fmt.Errorf("%w: infinite coordinate in dimension %d", dberrors.ErrInvalidRegion, i)
		}
		if lo > hi {
			return fmt.Errorf("%w: low %g > high %g in dimension %d", dberrors.ErrInvalidRegion, lo, hi, i)
		}
	}
	return nil
}

// Contains reports whether other lies entirely inside r.
func (r Region) Contains(other Region) bool {
	if r.Dims() != other.Dims() || r.IsEmpty() {
		return false
	}
	for i := range r.Low {
		if other.Low[i] < r.Low[i] || other.High[i] > r.High[i] {
			return false
		}
	}
	return true
}

// Intersects reports whether r and other share at least one point.
func (r Region) Intersects(other Region) bool {
	if r.Dims() != other.Dims() || r.IsEmpty() {
		return false
	}
	for i := range r.Low {
		if r.Low[i] > other.High[i] || r.High[i] < other.Low[i] {
			return false
		}
	}
	return true
}

// Union returns the minimal region enclosing r and other. The zero Region is
// the identity.
func (r Region) Union(other Region) Region {
	if r.IsEmpty() {
		return other.Clone()
	}
	if other.IsEmpty() {
		return r.Clone()
	}
	u := Region{Low: make([]float64, len(r.Low)), High: make([]float64, len(r.High))}
	for i := range r.Low {
		u.Low[i] = math.Min(r.Low[i], other.Low[i])
		u.High[i] = math.Max(r.High[i], other.High[i])
	}
	return u
}

// Area returns the hyper-volume of r.
func (r Region) Area() float64 {
	if r.IsEmpty() {
		return 0
	}
	area := 1.0
	for i := range r.Low {
		area *= r.High[i] - r.Low[i]
	}
	return area
}

// Margin returns the sum of the edge lengths of r.
func (r Region) Margin() float64 {
	var m float64
	for i := range r.Low {
		m += r.High[i] - r.Low[i]
	}
	return m
}

// Enlargement is the growth in area needed for r to also cover other.
func (r Region) Enlargement(other Region) float64 {
	return r.Union(other).Area() - r.Area()
}

// Equal reports whether both regions have identical coordinates.
func (r Region) Equal(other Region) bool {
	if r.Dims() != other.Dims() {
		return false
	}
	for i := range r.Low {
		if r.Low[i] != other.Low[i] || r.High[i] != other.High[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (r Region) Clone() Region {
	if r.IsEmpty() {
		return Region{}
	}
	return Region{Low: append([]float64(nil), r.Low...), High: append([]float64(nil), r.High...)}
}

func (r Region) String() string {
	if r.IsEmpty() {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i := range r.Low {
		if i > 0 {
			sb.WriteString(" x ")
		}
		fmt.Fprintf(&sb, "%g..%g", r.Low[i], r.High[i])
	}
	sb.WriteByte(']')
	return sb.String()
}

// extend grows r in place to cover other. Both must have the same dims.
func (r Region) extend(other Region) {
	for i := range r.Low {
		r.Low[i] = math.Min(r.Low[i], other.Low[i])
		r.High[i] = math.Max(r.High[i], other.High[i])
	}
}

// BoundsOf returns the union of all entry regions, the zero Region for none.
func BoundsOf(entries []Entry) Region {
	if len(entries) == 0 {
		return Region{}
	}
	b := entries[0].Region.Clone()
	for _, e := range entries[1:] {
		b.extend(e.Region)
	}
	return b
}
