package imaging

import (
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/obaiga/hesaff/internal/hesaff"
)

// ImageCache provides thread-safe caching of loaded images to avoid redundant
// disk reads and grayscale conversions.
//
// The cache stores two views of each file, keyed by path: the decoded
// image.Image returned by Load, and the grayscale detector input returned by
// LoadGray. The grayscale view is derived from the decoded image on first
// use.
//
// ImageCache is safe for concurrent use by multiple goroutines.
//
// # Memory Management
//
// Cached images remain in memory until explicitly removed via Evict() or
// Clear(). A grayscale view takes eight bytes per pixel, so a batch over many
// large images should evict each path once it has been processed.
//
// # Example Usage
//
//	cache := imaging.NewImageCache()
//	gray, err := cache.LoadGray("/path/to/image.png")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	det, err := hesaff.New(gray, hesaff.DefaultParams())
//	// ...
//	cache.Evict("/path/to/image.png")
type ImageCache struct {
	mu     sync.RWMutex
	images map[string]image.Image
	grays  map[string]*hesaff.Image
}

// NewImageCache creates and initializes a new empty image cache.
func NewImageCache() *ImageCache {
	return &ImageCache{
		images: make(map[string]image.Image),
		grays:  make(map[string]*hesaff.Image),
	}
}

// Load retrieves an image from the cache or loads it from disk if not cached.
//
// Supported formats are PNG, JPEG and GIF. JPEG files are rotated according
// to their EXIF orientation so that keypoint coordinates refer to the image
// as displayed.
//
// The image is cached using the exact path string provided. Different paths
// to the same file (e.g., relative vs absolute) result in separate entries.
func (c *ImageCache) Load(path string) (image.Image, error) {
	c.mu.RLock()
	if img, ok := c.images[path]; ok {
		c.mu.RUnlock()
		return img, nil
	}
	c.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	c.mu.Lock()
	c.images[path] = img
	c.mu.Unlock()

	return img, nil
}

// LoadGray returns the grayscale detector input for path, loading and
// converting the image if needed. The returned image is shared and must not
// be modified.
func (c *ImageCache) LoadGray(path string) (*hesaff.Image, error) {
	c.mu.RLock()
	if g, ok := c.grays[path]; ok {
		c.mu.RUnlock()
		return g, nil
	}
	c.mu.RUnlock()

	img, err := c.Load(path)
	if err != nil {
		return nil, err
	}
	g := hesaff.FromImage(img)

	c.mu.Lock()
	c.grays[path] = g
	c.mu.Unlock()

	return g, nil
}

// Clear removes all images from the cache, freeing the associated memory.
func (c *ImageCache) Clear() {
	c.mu.Lock()
	c.images = make(map[string]image.Image)
	c.grays = make(map[string]*hesaff.Image)
	c.mu.Unlock()
}

// Evict removes a specific image and its grayscale view from the cache.
//
// If the path is not in the cache, this method does nothing.
func (c *ImageCache) Evict(path string) {
	c.mu.Lock()
	delete(c.images, path)
	delete(c.grays, path)
	c.mu.Unlock()
}

// Len returns the number of cached decoded images.
func (c *ImageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}

// ImageInfo contains metadata about a loaded image file.
type ImageInfo struct {
	// Path is the path the image was loaded from.
	Path string `json:"path"`

	// Width is the image width in pixels.
	Width int `json:"width"`

	// Height is the image height in pixels.
	Height int `json:"height"`

	// Format is the detected image format: "png", "jpeg", "gif", or "unknown".
	// Detection is based on file extension, not file contents.
	Format string `json:"format"`

	// ColorDepth indicates the bit depth per channel: "8-bit" or "16-bit".
	ColorDepth string `json:"color_depth"`

	// HasAlpha indicates whether the image has an alpha (transparency) channel.
	HasAlpha bool `json:"has_alpha"`

	// FileSizeBytes is the size of the image file on disk in bytes.
	FileSizeBytes int64 `json:"file_size_bytes"`

	// FeatureFile is the path of the image's text feature file when one
	// exists next to it.
	FeatureFile string `json:"feature_file,omitempty"`
}

// LoadImageInfo loads an image and returns metadata about it.
//
// featureSuffix names the feature file looked up next to the image; pass
// hesaff.FeatureSuffix for the default layout or "" to skip the lookup.
//
// # Color Depth Detection
//
// Color depth is determined by the Go image type:
//   - *image.RGBA64, *image.NRGBA64, *image.Gray16 -> "16-bit"
//   - All other types -> "8-bit"
func LoadImageInfo(cache *ImageCache, path, featureSuffix string) (*ImageInfo, error) {
	img, err := cache.Load(path)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	format := "unknown"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		format = "png"
	case ".jpg", ".jpeg":
		format = "jpeg"
	case ".gif":
		format = "gif"
	}

	hasAlpha := false
	colorDepth := "8-bit"
	switch img.(type) {
	case *image.RGBA, *image.NRGBA:
		hasAlpha = true
	case *image.RGBA64, *image.NRGBA64:
		hasAlpha = true
		colorDepth = "16-bit"
	case *image.Gray16:
		colorDepth = "16-bit"
	}

	info := &ImageInfo{
		Path:          path,
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		Format:        format,
		ColorDepth:    colorDepth,
		HasAlpha:      hasAlpha,
		FileSizeBytes: stat.Size(),
	}
	if featureSuffix != "" {
		if _, err := os.Stat(path + featureSuffix); err == nil {
			info.FeatureFile = path + featureSuffix
		}
	}
	return info, nil
}
