package hesaff

import (
	"errors"
	"fmt"
	"math"
)

// PyramidParams controls the Hessian scale-space pyramid.
type PyramidParams struct {
	// NumberOfScales is the number of detection levels per octave.
	NumberOfScales int `yaml:"number_of_scales" json:"number_of_scales"`

	// Threshold is the Hessian response threshold. Responses are compared
	// against Threshold² because the response is a determinant.
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// EdgeEigenValueRatio rejects edge-like extrema whose principal
	// curvature ratio exceeds this value.
	EdgeEigenValueRatio float64 `yaml:"edge_eigen_value_ratio" json:"edge_eigen_value_ratio"`

	// Border is the number of pixels skipped at each octave's border.
	Border int `yaml:"border" json:"border"`

	// UpscaleInputImage doubles the input before building the pyramid,
	// which finds smaller features at four times the cost.
	UpscaleInputImage bool `yaml:"upscale_input_image" json:"upscale_input_image"`
}

// AffineShapeParams controls affine shape adaptation and patch sampling.
type AffineShapeParams struct {
	// MaxIterations bounds the second moment matrix iteration.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// ConvergenceThreshold is the eigenvalue ratio change under which the
	// shape is considered stable.
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`

	// SMMWindowSize is the side of the window the second moment matrix is
	// estimated over. Must be odd.
	SMMWindowSize int `yaml:"smm_window_size" json:"smm_window_size"`

	// MRSize is the measurement region size in units of the keypoint scale.
	MRSize float64 `yaml:"mr_size" json:"mr_size"`
}

// SIFTDescriptorParams controls descriptor layout.
type SIFTDescriptorParams struct {
	SpatialBins     int     `yaml:"spatial_bins" json:"spatial_bins"`
	OrientationBins int     `yaml:"orientation_bins" json:"orientation_bins"`
	MaxBinValue     float64 `yaml:"max_bin_value" json:"max_bin_value"`
}

// Params is the full detector configuration.
//
// InitialSigma is shared by the pyramid and the affine adaptation, PatchSize
// by the affine normalisation and the descriptor. MinScale and MaxScale bound
// the measurement region radius (MRSize·s) of reported keypoints; a
// non-positive value disables the bound.
type Params struct {
	Pyramid PyramidParams        `yaml:"pyramid" json:"pyramid"`
	Affine  AffineShapeParams    `yaml:"affine" json:"affine"`
	SIFT    SIFTDescriptorParams `yaml:"sift" json:"sift"`

	InitialSigma float64 `yaml:"initial_sigma" json:"initial_sigma"`
	PatchSize    int     `yaml:"patch_size" json:"patch_size"`

	MinScale float64 `yaml:"min_scale" json:"min_scale"`
	MaxScale float64 `yaml:"max_scale" json:"max_scale"`
}

// DefaultParams returns the parameters of the reference Hessian-affine
// detector.
func DefaultParams() Params {
	return Params{
		Pyramid: PyramidParams{
			NumberOfScales:      3,
			Threshold:           16.0 / 3.0,
			EdgeEigenValueRatio: 10,
			Border:              5,
		},
		Affine: AffineShapeParams{
			MaxIterations:        16,
			ConvergenceThreshold: 0.05,
			SMMWindowSize:        19,
			MRSize:               3 * math.Sqrt(3),
		},
		SIFT: SIFTDescriptorParams{
			SpatialBins:     4,
			OrientationBins: 8,
			MaxBinValue:     0.2,
		},
		InitialSigma: 1.6,
		PatchSize:    41,
		MinScale:     -1,
		MaxScale:     -1,
	}
}

// DescriptorSize is the length of the descriptors produced with p.
func (p Params) DescriptorSize() int {
	return p.SIFT.SpatialBins * p.SIFT.SpatialBins * p.SIFT.OrientationBins
}

// Validate reports every invalid field of p joined into one error.
func (p Params) Validate() error {
	var errs []error
	check := func(ok bool, format string, a ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, a...))
		}
	}

	check(p.Pyramid.NumberOfScales > 0, "number_of_scales must be positive, got %d", p.Pyramid.NumberOfScales)
	check(p.Pyramid.Threshold > 0, "threshold must be positive, got %g", p.Pyramid.Threshold)
	check(p.Pyramid.EdgeEigenValueRatio > 0, "edge_eigen_value_ratio must be positive, got %g", p.Pyramid.EdgeEigenValueRatio)
	check(p.Pyramid.Border >= 2, "border must be at least 2, got %d", p.Pyramid.Border)

	check(p.Affine.MaxIterations > 0, "max_iterations must be positive, got %d", p.Affine.MaxIterations)
	check(p.Affine.ConvergenceThreshold > 0, "convergence_threshold must be positive, got %g", p.Affine.ConvergenceThreshold)
	check(p.Affine.SMMWindowSize > 2 && p.Affine.SMMWindowSize%2 == 1, "smm_window_size must be odd and > 2, got %d", p.Affine.SMMWindowSize)
	check(p.Affine.MRSize > 0, "mr_size must be positive, got %g", p.Affine.MRSize)

	check(p.SIFT.SpatialBins > 0, "spatial_bins must be positive, got %d", p.SIFT.SpatialBins)
	check(p.SIFT.OrientationBins > 0, "orientation_bins must be positive, got %d", p.SIFT.OrientationBins)
	check(p.SIFT.MaxBinValue > 0, "max_bin_value must be positive, got %g", p.SIFT.MaxBinValue)

	check(p.InitialSigma > 0, "initial_sigma must be positive, got %g", p.InitialSigma)
	check(p.PatchSize > 2 && p.PatchSize%2 == 1, "patch_size must be odd and > 2, got %d", p.PatchSize)

	if p.MinScale > 0 && p.MaxScale > 0 {
		check(p.MinScale <= p.MaxScale, "min_scale %g exceeds max_scale %g", p.MinScale, p.MaxScale)
	}

	return errors.Join(errs...)
}

// acceptScale reports whether a measurement region radius passes the
// MinScale/MaxScale filter.
func (p Params) acceptScale(radius float64) bool {
	if p.MinScale > 0 && radius < p.MinScale {
		return false
	}
	if p.MaxScale > 0 && radius > p.MaxScale {
		return false
	}
	return true
}
