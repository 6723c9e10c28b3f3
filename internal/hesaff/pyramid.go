package hesaff

import (
	"context"
	"fmt"
	"math"

	"github.com/anthonynsimon/bild/parallel"
)

// PointType classifies a Hessian extremum by the local intensity shape.
type PointType int

const (
	// Dark is a blob darker than its surroundings.
	Dark PointType = iota
	// Bright is a blob brighter than its surroundings.
	Bright
	// Saddle is a negative determinant extremum.
	Saddle
)

// String returns the lower-case name of t.
func (t PointType) String() string {
	switch t {
	case Dark:
		return "dark"
	case Bright:
		return "bright"
	case Saddle:
		return "saddle"
	default:
		return "unknown"
	}
}

// MarshalText encodes t by name.
func (t PointType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a name produced by MarshalText.
func (t *PointType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "dark":
		*t = Dark
	case "bright":
		*t = Bright
	case "saddle":
		*t = Saddle
	default:
		return fmt.Errorf("unknown point type %q", b)
	}
	return nil
}

// hessianPoint is a localised scale-space extremum in original image
// coordinates.
type hessianPoint struct {
	x, y          float64
	s             float64
	pixelDistance float64
	typ           PointType
	response      float64
}

// hessianDetector walks the scale-space pyramid and reports localised
// Hessian extrema to onPoint together with the octave blur level they were
// found on.
type hessianDetector struct {
	par          PyramidParams
	initialSigma float64

	edgeScoreThreshold float64
	finalThreshold     float64
	positiveThreshold  float64
	negativeThreshold  float64

	// per octave state
	low, cur, high *Image
	octaveMap      []bool

	onPoint func(blur *Image, p hessianPoint)
}

func newHessianDetector(par PyramidParams, initialSigma float64, onPoint func(*Image, hessianPoint)) *hessianDetector {
	r := par.EdgeEigenValueRatio
	final := par.Threshold * par.Threshold
	return &hessianDetector{
		par:                par,
		initialSigma:       initialSigma,
		edgeScoreThreshold: (r + 1) * (r + 1) / r,
		finalThreshold:     final,
		positiveThreshold:  0.8 * final,
		negativeThreshold:  -0.8 * final,
		onPoint:            onPoint,
	}
}

// detectPyramid processes octaves until the image gets smaller than the
// detection border allows. ctx is checked between octaves.
func (d *hessianDetector) detectPyramid(ctx context.Context, image *Image) error {
	curSigma := 0.5
	pixelDistance := 1.0

	var first *Image
	if d.par.UpscaleInputImage {
		first = doubleImage(image)
		pixelDistance *= 0.5
		curSigma *= 2
	} else {
		first = image.Clone()
	}

	if d.initialSigma > curSigma {
		sigma := math.Sqrt(d.initialSigma*d.initialSigma - curSigma*curSigma)
		first = gaussianBlur(first, sigma)
	}

	minSize := 2*d.par.Border + 2
	for first.Height > minSize && first.Width > minSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := d.detectOctave(first, pixelDistance)
		pixelDistance *= 2
		first = halfImage(next)
	}
	return nil
}

// detectOctave searches one octave and returns the level that seeds the
// next octave (twice the initial sigma).
func (d *hessianDetector) detectOctave(first *Image, pixelDistance float64) *Image {
	d.octaveMap = make([]bool, first.Width*first.Height)

	sigmaStep := math.Pow(2, 1/float64(d.par.NumberOfScales))
	curSigma := d.initialSigma
	blur := first
	d.cur = hessianResponse(blur, curSigma*curSigma)
	numLevels := 1

	var nextOctaveFirst *Image
	for i := 1; i < d.par.NumberOfScales+2; i++ {
		sigma := curSigma * math.Sqrt(sigmaStep*sigmaStep-1)
		nextBlur := gaussianBlur(blur, sigma)
		curSigma *= sigmaStep

		d.high = hessianResponse(nextBlur, curSigma*curSigma)
		numLevels++

		if numLevels == 3 {
			d.findLevelKeypoints(blur, curSigma/sigmaStep, pixelDistance)
			numLevels--
		}

		if i == d.par.NumberOfScales {
			nextOctaveFirst = nextBlur
		}

		blur = nextBlur
		d.low, d.cur = d.cur, d.high
	}
	return nextOctaveFirst
}

// hessianResponse computes the scale normalised determinant of the Hessian
// of in. norm is σ², so the response is scaled by σ⁴.
func hessianResponse(in *Image, norm float64) *Image {
	w, h := in.Width, in.Height
	out := NewImage(w, h)
	norm2 := norm * norm

	parallel.Line(h, func(start, end int) {
		for r := start; r < end; r++ {
			r0 := in.Row(clamp(r-1, 0, h-1))
			r1 := in.Row(r)
			r2 := in.Row(clamp(r+1, 0, h-1))
			o := out.Row(r)
			for c := 0; c < w; c++ {
				cl := clamp(c-1, 0, w-1)
				cr := clamp(c+1, 0, w-1)
				v11 := r1[c]
				dxx := r1[cl] - 2*v11 + r1[cr]
				dyy := r0[c] - 2*v11 + r2[c]
				dxy := 0.25 * (r2[cr] - r2[cl] - r0[cr] + r0[cl])
				o[c] = (dxx*dyy - dxy*dxy) * norm2
			}
		}
	})
	return out
}

func isMax(val float64, im *Image, r, c int) bool {
	for y := r - 1; y <= r+1; y++ {
		row := im.Row(y)
		for x := c - 1; x <= c+1; x++ {
			if row[x] > val {
				return false
			}
		}
	}
	return true
}

func isMin(val float64, im *Image, r, c int) bool {
	for y := r - 1; y <= r+1; y++ {
		row := im.Row(y)
		for x := c - 1; x <= c+1; x++ {
			if row[x] < val {
				return false
			}
		}
	}
	return true
}

func (d *hessianDetector) findLevelKeypoints(blur *Image, curScale, pixelDistance float64) {
	rows, cols := d.cur.Height, d.cur.Width
	b := d.par.Border
	for r := b; r < rows-b; r++ {
		for c := b; c < cols-b; c++ {
			val := d.cur.At(c, r)
			if (val > d.positiveThreshold && isMax(val, d.cur, r, c) && isMax(val, d.low, r, c) && isMax(val, d.high, r, c)) ||
				(val < d.negativeThreshold && isMin(val, d.cur, r, c) && isMin(val, d.low, r, c) && isMin(val, d.high, r, c)) {
				d.localizeKeypoint(blur, r, c, curScale, pixelDistance)
			}
		}
	}
}

// localizeKeypoint refines an extremum with up to five Newton steps on the
// quadratic fitted to the response in x, y and scale.
func (d *hessianDetector) localizeKeypoint(blur *Image, r, c int, curScale, pixelDistance float64) {
	cur, low, high := d.cur, d.low, d.high
	cols, rows := cur.Width, cur.Height
	border := d.par.Border

	var b [3]float64
	var val, dxx float64
	nr, nc := r, c
	for iter := 0; iter < 5; iter++ {
		r, c = nr, nc

		dxx = cur.At(c-1, r) - 2*cur.At(c, r) + cur.At(c+1, r)
		dyy := cur.At(c, r-1) - 2*cur.At(c, r) + cur.At(c, r+1)
		dss := low.At(c, r) - 2*cur.At(c, r) + high.At(c, r)
		dxy := 0.25 * (cur.At(c+1, r+1) - cur.At(c-1, r+1) - cur.At(c+1, r-1) + cur.At(c-1, r-1))

		if iter == 0 {
			edgeScore := (dxx + dyy) * (dxx + dyy) / (dxx*dyy - dxy*dxy)
			if edgeScore >= d.edgeScoreThreshold || edgeScore < 0 || math.IsNaN(edgeScore) {
				return
			}
		}

		dxs := 0.25 * (high.At(c+1, r) - high.At(c-1, r) - low.At(c+1, r) + low.At(c-1, r))
		dys := 0.25 * (high.At(c, r+1) - high.At(c, r-1) - low.At(c, r+1) + low.At(c, r-1))

		A := [9]float64{
			dxx, dxy, dxs,
			dxy, dyy, dys,
			dxs, dys, dss,
		}
		dx := 0.5 * (cur.At(c+1, r) - cur.At(c-1, r))
		dy := 0.5 * (cur.At(c, r+1) - cur.At(c, r-1))
		ds := 0.5 * (high.At(c, r) - low.At(c, r))

		var ok bool
		b, ok = solveLinear3x3(A, [3]float64{-dx, -dy, -ds})
		if !ok {
			return
		}

		val = cur.At(c, r) + 0.5*(dx*b[0]+dy*b[1]+ds*b[2])

		if b[0] > 0.6 && c < cols-border-1 {
			nc++
		}
		if b[0] < -0.6 && c > border {
			nc--
		}
		if b[1] > 0.6 && r < rows-border-1 {
			nr++
		}
		if b[1] < -0.6 && r > border {
			nr--
		}
		if nr == r && nc == c {
			break
		}
	}

	if math.Abs(b[0]) > 1.5 || math.Abs(b[1]) > 1.5 || math.Abs(b[2]) > 1.5 ||
		math.Abs(val) < d.finalThreshold || d.octaveMap[r*cols+c] {
		return
	}
	d.octaveMap[r*cols+c] = true

	scale := curScale * math.Pow(2, b[2]/float64(d.par.NumberOfScales))

	typ := Saddle
	if val >= 0 {
		// positive determinant: Lxx of the blurred image tells the blob polarity
		lxx := blur.At(c-1, r) - 2*blur.At(c, r) + blur.At(c+1, r)
		if lxx < 0 {
			typ = Bright
		} else {
			typ = Dark
		}
	}

	d.onPoint(blur, hessianPoint{
		x:             pixelDistance * (float64(c) + b[0]),
		y:             pixelDistance * (float64(r) + b[1]),
		s:             pixelDistance * scale,
		pixelDistance: pixelDistance,
		typ:           typ,
		response:      val,
	})
}
