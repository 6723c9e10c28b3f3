package hesaff

import (
	"math"

	"github.com/anthonynsimon/bild/parallel"
)

// gaussKernel returns a normalised 1-D Gaussian of odd size int(6σ+1).
func gaussKernel(sigma float64) []float64 {
	size := int(6*sigma + 1)
	if size%2 == 0 {
		size++
	}
	half := size / 2
	k := make([]float64, size)
	s2 := 2 * sigma * sigma
	var sum float64
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-d * d / s2)
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// gaussianBlur returns src convolved with a separable Gaussian of the given
// sigma. Borders are replicated.
func gaussianBlur(src *Image, sigma float64) *Image {
	if sigma <= 0 {
		return src.Clone()
	}
	k := gaussKernel(sigma)
	half := len(k) / 2
	w, h := src.Width, src.Height
	tmp := NewImage(w, h)
	dst := NewImage(w, h)

	parallel.Line(h, func(start, end int) {
		for y := start; y < end; y++ {
			in := src.Row(y)
			out := tmp.Row(y)
			for x := 0; x < w; x++ {
				var sum float64
				for i, kv := range k {
					sum += kv * in[clamp(x+i-half, 0, w-1)]
				}
				out[x] = sum
			}
		}
	})

	parallel.Line(h, func(start, end int) {
		for y := start; y < end; y++ {
			out := dst.Row(y)
			for x := 0; x < w; x++ {
				var sum float64
				for i, kv := range k {
					sum += kv * tmp.Pix[clamp(y+i-half, 0, h-1)*w+x]
				}
				out[x] = sum
			}
		}
	})

	return dst
}

// gaussianMask fills an n×n window with a separable Gaussian whose 3σ
// reaches the window border.
func gaussianMask(n int) *Image {
	half := n >> 1
	sigma := float64(half) / 3.0
	g := make([]float64, half+1)
	for i := range g {
		g[i] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}
	m := NewImage(n, n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			m.Set(x, y, g[absInt(y-half)]*g[absInt(x-half)])
		}
	}
	return m
}

// circularGaussMask fills an n×n window with a Gaussian falloff cut off at
// the inscribed circle.
func circularGaussMask(n int) *Image {
	half := n >> 1
	r2 := float64(half * half)
	sigma2 := 0.9 * r2
	m := NewImage(n, n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			d := float64((y-half)*(y-half) + (x-half)*(x-half))
			if d < r2 {
				m.Set(x, y, math.Exp(-d/sigma2))
			}
		}
	}
	return m
}

// clamp constrains an integer value to the range [min, max].
// Used for boundary handling in convolution operations.
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
