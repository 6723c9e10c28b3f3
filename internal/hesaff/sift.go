package hesaff

import "math"

// siftDescriptor computes SIFT descriptors of square, affine normalised
// patches. Like affineShape it keeps scratch buffers and is not safe for
// concurrent use.
type siftDescriptor struct {
	par       SIFTDescriptorParams
	patchSize int

	mask      *Image
	grad, ori *Image
	vec       []float64

	// spatial bin index (already multiplied by OrientationBins) and weight
	// of each patch row/column for its two neighbouring bins
	bin0, bin1 []int
	w0, w1     []float64
}

func newSIFTDescriptor(par SIFTDescriptorParams, patchSize int) *siftDescriptor {
	d := &siftDescriptor{
		par:       par,
		patchSize: patchSize,
		mask:      circularGaussMask(patchSize),
		grad:      NewImage(patchSize, patchSize),
		ori:       NewImage(patchSize, patchSize),
		vec:       make([]float64, par.SpatialBins*par.SpatialBins*par.OrientationBins),
	}
	d.precomputeBinsAndWeights()
	return d
}

func (d *siftDescriptor) precomputeBinsAndWeights() {
	n := d.patchSize
	halfSize := n >> 1
	step := float64(d.par.SpatialBins+1) / float64(2*halfSize)
	d.bin0 = make([]int, n)
	d.bin1 = make([]int, n)
	d.w0 = make([]float64, n)
	d.w1 = make([]float64, n)

	for i := 0; i < n; i++ {
		x := step * float64(i)
		xi := math.Floor(x)
		d.bin0[i] = int(xi) - 1
		d.bin1[i] = int(xi)
		d.w1[i] = x - xi
		d.w0[i] = 1 - d.w1[i]

		if d.bin0[i] < 0 {
			d.bin0[i], d.w0[i] = 0, 0
		}
		if d.bin0[i] >= d.par.SpatialBins {
			d.bin0[i], d.w0[i] = d.par.SpatialBins-1, 0
		}
		if d.bin1[i] < 0 {
			d.bin1[i], d.w1[i] = 0, 0
		}
		if d.bin1[i] >= d.par.SpatialBins {
			d.bin1[i], d.w1[i] = d.par.SpatialBins-1, 0
		}

		d.bin0[i] *= d.par.OrientationBins
		d.bin1[i] *= d.par.OrientationBins
	}
}

// photometricallyNormalize maps patch to mean 128 and a mask weighted
// standard deviation of 50, clamped to 0..255.
func photometricallyNormalize(patch, mask *Image) {
	var sum, gsum float64
	for i, m := range mask.Pix {
		sum += patch.Pix[i] * m
		gsum += m
	}
	mean := sum / gsum

	var v float64
	for i, m := range mask.Pix {
		dv := mean - patch.Pix[i]
		v += dv * dv * m
	}
	stddev := math.Sqrt(v / gsum)
	if stddev < 1e-4 {
		stddev = 1e-4
	}

	fac := 50.0 / stddev
	for i, p := range patch.Pix {
		patch.Pix[i] = math.Max(0, math.Min(255, 128+fac*(p-mean)))
	}
}

func (d *siftDescriptor) samplePatch() {
	nb := float64(d.par.OrientationBins)
	for r := 0; r < d.patchSize; r++ {
		br0 := d.par.SpatialBins * d.bin0[r]
		wr0 := d.w0[r]
		br1 := d.par.SpatialBins * d.bin1[r]
		wr1 := d.w1[r]
		for c := 0; c < d.patchSize; c++ {
			val := d.mask.At(c, r) * d.grad.At(c, r)
			bc0 := d.bin0[c]
			wc0 := d.w0[c] * val
			bc1 := d.bin1[c]
			wc1 := d.w1[c] * val

			// atan2 yields -π..π, shift to stay positive
			o := nb * (d.ori.At(c, r) + 2*math.Pi) / (2 * math.Pi)
			bo0 := int(o)
			wo1 := o - float64(bo0)
			bo0 %= d.par.OrientationBins
			bo1 := (bo0 + 1) % d.par.OrientationBins
			wo0 := 1 - wo1

			d.add(br0+bc0, bo0, bo1, wr0*wc0, wo0, wo1)
			d.add(br0+bc1, bo0, bo1, wr0*wc1, wo0, wo1)
			d.add(br1+bc0, bo0, bo1, wr1*wc0, wo0, wo1)
			d.add(br1+bc1, bo0, bo1, wr1*wc1, wo0, wo1)
		}
	}
}

func (d *siftDescriptor) add(base, bo0, bo1 int, val, wo0, wo1 float64) {
	if val > 0 {
		d.vec[base+bo0] += val * wo0
		d.vec[base+bo1] += val * wo1
	}
}

func (d *siftDescriptor) normalize() {
	var l float64
	for _, v := range d.vec {
		l += v * v
	}
	l = math.Sqrt(l)
	if l == 0 {
		return
	}
	for i := range d.vec {
		d.vec[i] /= l
	}
}

// compute fills out with the quantised descriptor of patch. patch is
// modified in place by the photometric normalisation.
func (d *siftDescriptor) compute(patch *Image, out []uint8) {
	photometricallyNormalize(patch, d.mask)

	computeGradient(patch, d.grad, d.ori)
	for i := range d.grad.Pix {
		gx, gy := d.grad.Pix[i], d.ori.Pix[i]
		d.grad.Pix[i] = math.Sqrt(gx*gx + gy*gy)
		d.ori.Pix[i] = math.Atan2(gy, gx)
	}

	for i := range d.vec {
		d.vec[i] = 0
	}
	d.samplePatch()
	d.normalize()

	changed := false
	for i, v := range d.vec {
		if v > d.par.MaxBinValue {
			d.vec[i] = d.par.MaxBinValue
			changed = true
		}
	}
	if changed {
		d.normalize()
	}

	for i, v := range d.vec {
		b := int(512 * v)
		if b > 255 {
			b = 255
		}
		out[i] = uint8(b)
	}
}
