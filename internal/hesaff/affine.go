package hesaff

import "math"

// affineShape estimates the affine region around a Hessian point and
// samples affine normalised patches.
//
// It owns scratch buffers, so a value must not be shared between
// goroutines.
type affineShape struct {
	par          AffineShapeParams
	initialSigma float64
	patchSize    int

	mask   *Image // SMM window weights
	window *Image // warped SMM window
	fx, fy *Image

	patch *Image
}

func newAffineShape(par AffineShapeParams, initialSigma float64, patchSize int) *affineShape {
	n := par.SMMWindowSize
	return &affineShape{
		par:          par,
		initialSigma: initialSigma,
		patchSize:    patchSize,
		mask:         gaussianMask(n),
		window:       NewImage(n, n),
		fx:           NewImage(n, n),
		fy:           NewImage(n, n),
		patch:        NewImage(patchSize, patchSize),
	}
}

// findAffineShape iterates the second moment matrix normalisation of the
// region at (x, y) with scale s. blur is the octave level the point was
// found on and pixelDistance its sampling step in image pixels.
//
// It returns the accumulated shape matrix and true on convergence.
func (a *affineShape) findAffineShape(blur *Image, x, y, s, pixelDistance float64) (Affine, bool) {
	var eigenRatioAct, eigenRatioBef float64
	u11, u12, u21, u22 := 1.0, 0.0, 0.0, 1.0
	lx, ly := x/pixelDistance, y/pixelDistance
	ratio := s / (a.initialSigma * pixelDistance)
	maskPixels := float64(len(a.mask.Pix))

	for l := 0; l < a.par.MaxIterations; l++ {
		interpolate(blur, lx, ly, u11*ratio, u12*ratio, u21*ratio, u22*ratio, a.window)
		computeGradient(a.window, a.fx, a.fy)

		var sa, sb, sc float64
		for i, v := range a.mask.Pix {
			gx := a.fx.Pix[i]
			gy := a.fy.Pix[i]
			sa += gx * gx * v
			sb += gx * gy * v
			sc += gy * gy * v
		}
		sa /= maskPixels
		sb /= maskPixels
		sc /= maskPixels

		if sa <= 0 || sc <= 0 || sa*sc-sb*sb <= 0 {
			return Affine{}, false
		}

		sa, sb, sc, l1, l2 := invSqrt(sa, sb, sc)

		eigenRatioBef = eigenRatioAct
		eigenRatioAct = 1 - l2/l1

		u11t, u12t := u11, u12
		u11 = sa*u11t + sb*u21
		u12 = sa*u12t + sb*u22
		u21 = sb*u11t + sc*u21
		u22 = sb*u12t + sc*u22

		l1, l2, ok := eigenvalues(u11, u12, u21, u22)
		if !ok {
			return Affine{}, false
		}

		// too anisotropic
		if l1/l2 > 6 || l2/l1 > 6 {
			return Affine{}, false
		}

		if eigenRatioAct < a.par.ConvergenceThreshold && eigenRatioBef < a.par.ConvergenceThreshold {
			return Affine{A11: u11, A12: u12, A21: u21, A22: u22}, true
		}
	}
	return Affine{}, false
}

// normalizeAffine samples a.patch from img around (x, y) with scale s and
// unit-determinant shape m. It returns false when the measurement region
// does not fit into the image.
func (a *affineShape) normalizeAffine(img *Image, x, y, s float64, m Affine) bool {
	mrScale := math.Ceil(s * a.par.MRSize)
	patchImageSize := 2*int(mrScale) + 1
	imageToPatchScale := float64(patchImageSize) / float64(a.patchSize)

	if interpolateCheckBorders(img, x, y,
		m.A11*imageToPatchScale, m.A12*imageToPatchScale,
		m.A21*imageToPatchScale, m.A22*imageToPatchScale, a.patch) {
		return false
	}

	if imageToPatchScale > 0.4 {
		// down-sampling: warp at full resolution with a one pixel margin,
		// smooth, then subsample
		patchImageSize += 2
		smoothed := NewImage(patchImageSize, patchImageSize)
		if interpolate(img, x, y, m.A11, m.A12, m.A21, m.A22, smoothed) {
			return false
		}
		smoothed = gaussianBlur(smoothed, 1.5*imageToPatchScale)
		c := float64(patchImageSize >> 1)
		interpolate(smoothed, c, c, imageToPatchScale, 0, 0, imageToPatchScale, a.patch)
		return true
	}

	interpolate(img, x, y,
		m.A11*imageToPatchScale, m.A12*imageToPatchScale,
		m.A21*imageToPatchScale, m.A22*imageToPatchScale, a.patch)
	return true
}
