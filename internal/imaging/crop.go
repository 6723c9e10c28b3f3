package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/disintegration/imaging"

	"github.com/obaiga/hesaff/internal/hesaff"
)

// CropResult contains the cropped image data
type CropResult struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

// PatchImage converts a detector patch to an 8-bit grayscale image,
// clamping intensities to 0..255.
func PatchImage(p *hesaff.Image) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		row := p.Row(y)
		for x, v := range row {
			out.Pix[y*out.Stride+x] = uint8(math.Max(0, math.Min(255, math.Round(v))))
		}
	}
	return out
}

// ScalePatch magnifies a patch by scale with nearest neighbour sampling so
// that individual samples stay visible. A scale of one or less returns the
// patch unchanged.
func ScalePatch(p *hesaff.Image, scale float64) image.Image {
	img := PatchImage(p)
	if scale <= 1 {
		return img
	}
	w := int(float64(p.Width) * scale)
	h := int(float64(p.Height) * scale)
	return imaging.Resize(img, w, h, imaging.NearestNeighbor)
}

// EncodePatch renders an affine normalised patch as base64 PNG.
func EncodePatch(p *hesaff.Image, scale float64) (*CropResult, error) {
	img := ScalePatch(p, scale)
	encoded, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	return &CropResult{
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
		ImageBase64: encoded,
		MimeType:    "image/png",
	}, nil
}

// KeypointBounds returns the axis aligned bounding box of the keypoint's
// measurement region, clipped to bounds.
func KeypointBounds(k hesaff.Keypoint, mrSize float64, bounds image.Rectangle) image.Rectangle {
	sc := mrSize * k.S
	a := k.Shape
	// half extents of the ellipse p = sc·A·u, |u| = 1
	hx := sc * math.Hypot(a.A11, a.A12)
	hy := sc * math.Hypot(a.A21, a.A22)
	r := image.Rect(
		int(math.Floor(k.X-hx)), int(math.Floor(k.Y-hy)),
		int(math.Ceil(k.X+hx))+1, int(math.Ceil(k.Y+hy))+1,
	)
	return r.Add(bounds.Min).Intersect(bounds)
}

// CropKeypoint extracts the image region around a keypoint, optionally
// scaled.
func CropKeypoint(img image.Image, k hesaff.Keypoint, mrSize, scale float64) (*CropResult, error) {
	rect := KeypointBounds(k, mrSize, img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("keypoint region at (%.1f,%.1f) outside image bounds", k.X, k.Y)
	}

	cropped := imaging.Crop(img, rect)

	if scale != 1.0 && scale > 0 {
		newWidth := int(float64(cropped.Bounds().Dx()) * scale)
		newHeight := int(float64(cropped.Bounds().Dy()) * scale)
		cropped = imaging.Resize(cropped, newWidth, newHeight, imaging.Lanczos)
	}

	encoded, err := encodePNG(cropped)
	if err != nil {
		return nil, err
	}

	return &CropResult{
		Width:       cropped.Bounds().Dx(),
		Height:      cropped.Bounds().Dy(),
		ImageBase64: encoded,
		MimeType:    "image/png",
	}, nil
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
