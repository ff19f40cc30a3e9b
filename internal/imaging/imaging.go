package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode indicates a file that exists but cannot be decoded as an image.
var ErrDecode = errors.New("image decode failed")

// imageExts are the extensions the registered decoders can handle.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

// IsImagePath reports whether path has a decodable image extension.
func IsImagePath(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// Metadata describes an image file without carrying its pixels.
// Width and Height are the dimensions as stored on disk, before any
// display downscaling.
type Metadata struct {
	Width    int
	Height   int
	Format   string
	FileSize int64
	ModTime  time.Time
}

// Probe reads dimensions and file stats without a full decode.
func Probe(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Metadata{}, err
	}

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Metadata{}, fmt.Errorf("probe %s: %w: %v", path, ErrDecode, err)
	}

	return Metadata{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Format:   format,
		FileSize: info.Size(),
		ModTime:  info.ModTime(),
	}, nil
}

// Decode reads and decodes the image at path. When maxEdge is positive
// and either dimension exceeds it, the decoded image is scaled down so
// its longest edge fits maxEdge; Metadata always reports the original
// dimensions.
func Decode(path string, maxEdge int) (image.Image, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, Metadata{}, err
	}

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("decode %s: %w: %v", path, ErrDecode, err)
	}

	bounds := img.Bounds()
	meta := Metadata{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Format:   format,
		FileSize: info.Size(),
		ModTime:  info.ModTime(),
	}

	if maxEdge > 0 && (meta.Width > maxEdge || meta.Height > maxEdge) {
		img = scaleDown(img, maxEdge)
	}

	return img, meta, nil
}

// scaleDown scales src so its longest edge fits maxEdge, preserving
// aspect ratio.
func scaleDown(src image.Image, maxEdge int) image.Image {
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var scale float64
	if width > height {
		scale = float64(maxEdge) / float64(width)
	} else {
		scale = float64(maxEdge) / float64(height)
	}

	newWidth := int(float64(width) * scale)
	newHeight := int(float64(height) * scale)
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst
}

// Cost estimates the resident byte size of a decoded image.
func Cost(img image.Image) int64 {
	if img == nil {
		return 0
	}
	switch im := img.(type) {
	case *image.RGBA:
		return int64(len(im.Pix))
	case *image.NRGBA:
		return int64(len(im.Pix))
	case *image.Gray:
		return int64(len(im.Pix))
	case *image.YCbCr:
		return int64(len(im.Y) + len(im.Cb) + len(im.Cr))
	case *image.Paletted:
		return int64(len(im.Pix))
	default:
		b := img.Bounds()
		return int64(b.Dx()) * int64(b.Dy()) * 4
	}
}
