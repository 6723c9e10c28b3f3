package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"
	"strconv"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/obaiga/hesaff/internal/hesaff"
)

// OverlayOptions controls how keypoints are drawn.
type OverlayOptions struct {
	// MRSize scales keypoint scales to measurement region radii. Zero uses
	// the detector default.
	MRSize float64

	// ColorHex draws every ellipse in one colour ("#RRGGBB" or
	// "#RRGGBBAA"). Empty colours ellipses by response, blue for the
	// weakest through red for the strongest.
	ColorHex string

	// ShowIndex labels each keypoint with its index.
	ShowIndex bool
}

// OverlayResult contains the image with keypoint overlay
type OverlayResult struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	ImageBase64  string `json:"image_base64"`
	MimeType     string `json:"mime_type"`
	NumKeypoints int    `json:"num_keypoints"`
}

// KeypointOverlay draws keypoint ellipses over img and returns the result as
// base64 PNG.
func KeypointOverlay(img image.Image, keys []hesaff.Keypoint, opts OverlayOptions) (*OverlayResult, error) {
	result, err := DrawKeypoints(img, keys, opts)
	if err != nil {
		return nil, err
	}

	encoded, err := encodePNG(result)
	if err != nil {
		return nil, err
	}

	return &OverlayResult{
		Width:        result.Bounds().Dx(),
		Height:       result.Bounds().Dy(),
		ImageBase64:  encoded,
		MimeType:     "image/png",
		NumKeypoints: len(keys),
	}, nil
}

// DrawKeypoints returns a copy of img with the measurement region of every
// keypoint drawn as an ellipse and its centre marked with a cross.
func DrawKeypoints(img image.Image, keys []hesaff.Keypoint, opts OverlayOptions) (*image.RGBA, error) {
	mrSize := opts.MRSize
	if mrSize <= 0 {
		mrSize = hesaff.DefaultParams().Affine.MRSize
	}

	colors := make([]color.RGBA, len(keys))
	if opts.ColorHex != "" {
		c, err := parseHexColor(opts.ColorHex)
		if err != nil {
			return nil, fmt.Errorf("invalid color %q: %w", opts.ColorHex, err)
		}
		for i := range colors {
			colors[i] = c
		}
	} else {
		responseColors(keys, colors)
	}

	bounds := img.Bounds()
	result := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(result, result.Bounds(), img, bounds.Min, draw.Src)

	labelColor := color.RGBA{255, 255, 255, 255}
	bgColor := color.RGBA{0, 0, 0, 180}
	for i, k := range keys {
		drawEllipse(result, k, mrSize, colors[i])
		drawCross(result, k.X, k.Y, 2, colors[i])
		if opts.ShowIndex {
			drawLabel(result, int(k.X)+3, int(k.Y)+3, strconv.Itoa(i), labelColor, bgColor)
		}
	}
	return result, nil
}

// SaveImage writes img to path as PNG.
func SaveImage(path string, img image.Image) error {
	if err := imgio.Save(path, img, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

// responseColors assigns hues by response rank so that the colouring does
// not depend on the absolute response range of the image.
func responseColors(keys []hesaff.Keypoint, out []color.RGBA) {
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(keys[order[a]].Response) < math.Abs(keys[order[b]].Response)
	})

	for rank, idx := range order {
		t := 0.0
		if len(order) > 1 {
			t = float64(rank) / float64(len(order)-1)
		}
		// 240° (blue) for the weakest down to 0° (red) for the strongest
		r, g, b := colorful.Hsv(240*(1-t), 1, 1).RGB255()
		out[idx] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
}

// drawEllipse plots the boundary of the keypoint's measurement region,
// the image of the circle of radius mrSize·s under the keypoint shape.
func drawEllipse(img *image.RGBA, k hesaff.Keypoint, mrSize float64, c color.RGBA) {
	sc := mrSize * k.S
	a := k.Shape
	// enough samples for a closed outline
	steps := int(2*math.Pi*sc*math.Max(math.Abs(a.A11)+math.Abs(a.A12), math.Abs(a.A21)+math.Abs(a.A22))) + 8
	for i := 0; i < steps; i++ {
		th := 2 * math.Pi * float64(i) / float64(steps)
		cx, cy := sc*math.Cos(th), sc*math.Sin(th)
		x := k.X + a.A11*cx + a.A12*cy
		y := k.Y + a.A21*cx + a.A22*cy
		setPixel(img, int(math.Round(x)), int(math.Round(y)), c)
	}
}

func drawCross(img *image.RGBA, x, y float64, size int, c color.RGBA) {
	px, py := int(math.Round(x)), int(math.Round(y))
	for d := -size; d <= size; d++ {
		setPixel(img, px+d, py, c)
		setPixel(img, px, py+d, c)
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}

// parseHexColor parses a hex color string like "#FF0000" or "#FF000080"
func parseHexColor(hex string) (color.RGBA, error) {
	if len(hex) == 0 {
		return color.RGBA{}, fmt.Errorf("empty color string")
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}

	var r, g, b, a uint8 = 0, 0, 0, 255

	switch len(hex) {
	case 6:
		val, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return color.RGBA{}, err
		}
		r = uint8(val >> 16)
		g = uint8(val >> 8)
		b = uint8(val)
	case 8:
		val, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return color.RGBA{}, err
		}
		r = uint8(val >> 24)
		g = uint8(val >> 16)
		b = uint8(val >> 8)
		a = uint8(val)
	default:
		return color.RGBA{}, fmt.Errorf("invalid hex color length")
	}

	return color.RGBA{R: r, G: g, B: b, A: a}, nil
}

// drawLabel draws a small digit label at the given position using a 3x5
// pixel font.
func drawLabel(img *image.RGBA, x, y int, text string, fg, bg color.RGBA) {
	glyphs := map[rune][]string{
		'0': {"111", "101", "101", "101", "111"},
		'1': {"010", "110", "010", "010", "111"},
		'2': {"111", "001", "111", "100", "111"},
		'3': {"111", "001", "111", "001", "111"},
		'4': {"101", "101", "111", "001", "001"},
		'5': {"111", "100", "111", "001", "111"},
		'6': {"111", "100", "111", "101", "111"},
		'7': {"111", "001", "001", "001", "001"},
		'8': {"111", "101", "111", "101", "111"},
		'9': {"111", "101", "111", "001", "111"},
	}

	charWidth := 4
	labelWidth := len(text) * charWidth
	labelHeight := 7

	for dy := -1; dy < labelHeight; dy++ {
		for dx := -1; dx < labelWidth; dx++ {
			setPixel(img, x+dx, y+dy, bg)
		}
	}

	cx := x
	for _, ch := range text {
		glyph, ok := glyphs[ch]
		if !ok {
			cx += charWidth
			continue
		}
		for row, line := range glyph {
			for col, pixel := range line {
				if pixel == '1' {
					setPixel(img, cx+col, y+row, fg)
				}
			}
		}
		cx += charWidth
	}
}
