package hesaff

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Image is a single channel float image stored row-major.
//
// Pixel (x, y) lives at Pix[y*Width+x]. Intensities converted from 8-bit
// images are in the 0..255 range.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// NewImage allocates a zeroed w×h image.
func NewImage(w, h int) *Image {
	return &Image{Width: w, Height: h, Pix: make([]float64, w*h)}
}

// FromImage converts img to grayscale as the plain mean of its red, green
// and blue channels.
//
// The source is first normalised to non-premultiplied RGBA so that every
// decoder output (paletted, YCbCr, 16-bit) is read the same way.
func FromImage(img image.Image) *Image {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	out := NewImage(w, h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			out.Pix[y*w+x] = (float64(p[0]) + float64(p[1]) + float64(p[2])) / 3.0
		}
	}
	return out
}

// At returns the pixel at (x, y). Coordinates must be in range.
func (m *Image) At(x, y int) float64 {
	return m.Pix[y*m.Width+x]
}

// Set stores v at (x, y).
func (m *Image) Set(x, y int, v float64) {
	m.Pix[y*m.Width+x] = v
}

// Row returns the slice backing row y.
func (m *Image) Row(y int) []float64 {
	return m.Pix[y*m.Width : (y+1)*m.Width]
}

// Clone returns a deep copy of m.
func (m *Image) Clone() *Image {
	out := &Image{Width: m.Width, Height: m.Height, Pix: make([]float64, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// halfImage keeps every second pixel in both directions.
func halfImage(src *Image) *Image {
	w, h := src.Width/2, src.Height/2
	dst := NewImage(w, h)
	for y := 0; y < h; y++ {
		srow := src.Row(2 * y)
		drow := dst.Row(y)
		for x := 0; x < w; x++ {
			drow[x] = srow[2*x]
		}
	}
	return dst
}

// doubleImage upsamples src by two with bilinear interpolation.
func doubleImage(src *Image) *Image {
	w, h := src.Width*2-1, src.Height*2-1
	dst := NewImage(w, h)
	for y := 0; y < h; y++ {
		sy := y / 2
		for x := 0; x < w; x++ {
			sx := x / 2
			switch {
			case x%2 == 0 && y%2 == 0:
				dst.Set(x, y, src.At(sx, sy))
			case y%2 == 0:
				dst.Set(x, y, 0.5*(src.At(sx, sy)+src.At(sx+1, sy)))
			case x%2 == 0:
				dst.Set(x, y, 0.5*(src.At(sx, sy)+src.At(sx, sy+1)))
			default:
				dst.Set(x, y, 0.25*(src.At(sx, sy)+src.At(sx+1, sy)+src.At(sx, sy+1)+src.At(sx+1, sy+1)))
			}
		}
	}
	return dst
}

// interpolate samples res from im through the affine map centred on
// (ofsx, ofsy):
//
//	im(ofsx + a11·i + a12·j, ofsy + a21·i + a22·j)
//
// where i and j run over res centred at zero. Samples falling outside im
// are set to zero and make interpolate return true.
func interpolate(im *Image, ofsx, ofsy, a11, a12, a21, a22 float64, res *Image) bool {
	width := im.Width - 1
	height := im.Height - 1
	touches := false
	hw, hh := res.Width>>1, res.Height>>1
	out := 0
	for j := -hh; j <= hh; j++ {
		rx := ofsx + float64(j)*a12
		ry := ofsy + float64(j)*a22
		for i := -hw; i <= hw; i++ {
			wx := rx + float64(i)*a11
			wy := ry + float64(i)*a21
			x := int(math.Floor(wx))
			y := int(math.Floor(wy))
			if x >= 0 && y >= 0 && x < width && y < height {
				wx -= float64(x)
				wy -= float64(y)
				r0 := im.Row(y)
				r1 := im.Row(y + 1)
				res.Pix[out] = (1-wy)*((1-wx)*r0[x]+wx*r0[x+1]) + wy*((1-wx)*r1[x]+wx*r1[x+1])
			} else {
				res.Pix[out] = 0
				touches = true
			}
			out++
		}
	}
	return touches
}

// interpolateCheckBorders reports whether any corner of the warped res
// window falls outside im, without sampling.
func interpolateCheckBorders(im *Image, ofsx, ofsy, a11, a12, a21, a22 float64, res *Image) bool {
	width := float64(im.Width - 2)
	height := float64(im.Height - 2)
	hw, hh := float64(res.Width>>1), float64(res.Height>>1)
	corners := [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}
	for _, c := range corners {
		x := ofsx + c[0]*a11 + c[1]*a12
		y := ofsy + c[0]*a21 + c[1]*a22
		if x < 0 || y < 0 || x > width || y > height {
			return true
		}
	}
	return false
}

// computeGradient fills gx and gy with central differences of img, using
// one-sided differences on the first and last row/column.
func computeGradient(img, gx, gy *Image) {
	w, h := img.Width, img.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var xgrad, ygrad float64
			switch {
			case w == 1:
			case x == 0:
				xgrad = img.At(x+1, y) - img.At(x, y)
			case x == w-1:
				xgrad = img.At(x, y) - img.At(x-1, y)
			default:
				xgrad = img.At(x+1, y) - img.At(x-1, y)
			}
			switch {
			case h == 1:
			case y == 0:
				ygrad = img.At(x, y+1) - img.At(x, y)
			case y == h-1:
				ygrad = img.At(x, y) - img.At(x, y-1)
			default:
				ygrad = img.At(x, y+1) - img.At(x, y-1)
			}
			gx.Set(x, y, xgrad)
			gy.Set(x, y, ygrad)
		}
	}
}
