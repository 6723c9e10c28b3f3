package imaging

import (
	"math"

	"github.com/obaiga/hesaff/internal/hesaff"
)

// Range is a closed interval of measured values.
type Range struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// KeypointStats summarises a keypoint set
type KeypointStats struct {
	Count  int `json:"count"`
	Bright int `json:"bright"`
	Dark   int `json:"dark"`
	Saddle int `json:"saddle"`

	// Scale and Radius are in pixels; Radius is the measurement region
	// radius MRSize·scale.
	Scale    Range `json:"scale"`
	Radius   Range `json:"radius"`
	Response Range `json:"response"`

	// Anisotropy is the ratio of the long to the short ellipse axis.
	Anisotropy Range `json:"anisotropy"`
}

// MeasureKeypoints computes statistics of keys. Values are rounded to two
// decimals. An empty set yields zero ranges.
func MeasureKeypoints(keys []hesaff.Keypoint, mrSize float64) *KeypointStats {
	stats := &KeypointStats{Count: len(keys)}
	if len(keys) == 0 {
		return stats
	}

	scale := newAccumulator()
	radius := newAccumulator()
	response := newAccumulator()
	aniso := newAccumulator()
	for _, k := range keys {
		switch k.Type {
		case hesaff.Bright:
			stats.Bright++
		case hesaff.Dark:
			stats.Dark++
		case hesaff.Saddle:
			stats.Saddle++
		}
		scale.add(k.S)
		radius.add(mrSize * k.S)
		response.add(k.Response)
		aniso.add(axisRatio(k.Shape))
	}

	stats.Scale = scale.rangeOf()
	stats.Radius = radius.rangeOf()
	stats.Response = response.rangeOf()
	stats.Anisotropy = aniso.rangeOf()
	return stats
}

// axisRatio returns the ratio of the singular values of a.
func axisRatio(a hesaff.Affine) float64 {
	// singular values of a are the square roots of the eigenvalues of a·aᵀ
	m11 := a.A11*a.A11 + a.A12*a.A12
	m12 := a.A11*a.A21 + a.A12*a.A22
	m22 := a.A21*a.A21 + a.A22*a.A22
	tr := m11 + m22
	d := math.Sqrt(math.Max(0, tr*tr/4-(m11*m22-m12*m12)))
	l1, l2 := tr/2+d, tr/2-d
	if l2 <= 0 {
		return math.Inf(1)
	}
	return math.Sqrt(l1 / l2)
}

type accumulator struct {
	min, max, sum float64
	n             int
}

func newAccumulator() *accumulator {
	return &accumulator{min: math.Inf(1), max: math.Inf(-1)}
}

func (a *accumulator) add(v float64) {
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)
	a.sum += v
	a.n++
}

func (a *accumulator) rangeOf() Range {
	return Range{
		Min:  math.Round(a.min*100) / 100,
		Max:  math.Round(a.max*100) / 100,
		Mean: math.Round(a.sum/float64(a.n)*100) / 100,
	}
}
