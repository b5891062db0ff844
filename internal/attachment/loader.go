package attachment

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"
)

// Loader reads descriptor content and prepares it for upload.
type Loader struct {
	// MaxImageDimension downscales JPEG and PNG images whose width or height
	// exceeds it. Zero disables downscaling.
	MaxImageDimension uint
}

// Load returns the bytes and the effective mime type of d.
func (l Loader) Load(d Descriptor) ([]byte, string, error) {
	var (
		data     []byte
		mimeType = d.MimeType
	)

	switch {
	case strings.HasPrefix(d.URI, "data:"):
		du, err := dataurl.DecodeString(d.URI)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		data = du.Data
		if mimeType == "" {
			mimeType = du.MediaType.ContentType()
		}
	default:
		path := strings.TrimPrefix(d.URI, "file://")
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		data = b
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(path))
		}
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	if l.MaxImageDimension > 0 {
		shrunk, err := Shrink(data, mimeType, l.MaxImageDimension)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		data = shrunk
	}
	return data, mimeType, nil
}

// Shrink downscales JPEG and PNG images so neither side exceeds maxDim, keeping
// the aspect ratio. Other content and small images are returned unchanged.
func Shrink(data []byte, mimeType string, maxDim uint) ([]byte, error) {
	if mimeType != "image/jpeg" && mimeType != "image/png" {
		return data, nil
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if uint(b.Dx()) <= maxDim && uint(b.Dy()) <= maxDim {
		return data, nil
	}

	thumb := resize.Thumbnail(maxDim, maxDim, img, resize.Lanczos3)
	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, thumb)
	default:
		err = jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
