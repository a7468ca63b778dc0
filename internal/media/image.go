package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultMaxImageDimension is the longest edge sent to a provider. Larger
// images are downscaled before encoding.
const DefaultMaxImageDimension = 2048

// jpegQuality is used when an image has to be re-encoded.
const jpegQuality = 85

// Image is an image payload ready to hand to a provider adapter.
type Image struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// LoadImage reads the image at path and prepares it for a provider.
//
// JPEG and PNG files within maxDimension are passed through unchanged. Anything
// larger, or in a format not every provider accepts (GIF, WebP), is decoded,
// scaled with Catmull-Rom so the longest edge is at most maxDimension, and
// re-encoded as JPEG. A maxDimension of 0 selects DefaultMaxImageDimension.
func LoadImage(path string, maxDimension int) (Image, error) {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxImageDimension
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	mimeType, err := MIMEType(path)
	if err != nil {
		return Image{}, err
	}
	return PrepareImage(raw, mimeType, maxDimension)
}

// PrepareImage applies the LoadImage normalization to bytes already in memory.
func PrepareImage(raw []byte, mimeType string, maxDimension int) (Image, error) {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxImageDimension
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image header: %w", err)
	}

	passthrough := (format == "jpeg" || format == "png") &&
		cfg.Width <= maxDimension && cfg.Height <= maxDimension
	if passthrough {
		if mimeType == "" {
			mimeType = "image/" + format
		}
		return Image{Data: raw, MIMEType: mimeType, Width: cfg.Width, Height: cfg.Height}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	newWidth, newHeight := scaledDimensions(bounds.Dx(), bounds.Dy(), maxDimension)

	var out image.Image = src
	if newWidth != bounds.Dx() || newHeight != bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return Image{}, fmt.Errorf("failed to encode image as JPEG: %w", err)
	}

	log.Debug().
		Str("source_format", format).
		Int("orig_width", bounds.Dx()).
		Int("orig_height", bounds.Dy()).
		Int("new_width", newWidth).
		Int("new_height", newHeight).
		Int("output_size", buf.Len()).
		Msg("Image normalized")

	return Image{Data: buf.Bytes(), MIMEType: "image/jpeg", Width: newWidth, Height: newHeight}, nil
}

// scaledDimensions fits width x height inside a maxDimension square while
// keeping the aspect ratio. Dimensions never drop below 1.
func scaledDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}
	if width >= height {
		h := height * maxDimension / width
		return maxDimension, max(h, 1)
	}
	w := width * maxDimension / height
	return max(w, 1), maxDimension
}

// ImageMetadata holds the EXIF fields that are useful as question context.
type ImageMetadata struct {
	Latitude    float64
	Longitude   float64
	HasGPS      bool
	DateTaken   time.Time
	HasDate     bool
	CameraMake  string
	CameraModel string
}

// ExtractImageMetadata reads EXIF metadata from an image file. Only the
// metadata blocks are read, not the pixel data.
func ExtractImageMetadata(path string) (*ImageMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	exif, err := imagemeta.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	md := &ImageMetadata{}
	if lat, lon := exif.GPS.Latitude(), exif.GPS.Longitude(); lat != 0 || lon != 0 {
		md.Latitude, md.Longitude, md.HasGPS = lat, lon, true
	}

	// DateTimeOriginal, then CreateDate, then ModifyDate.
	for _, t := range []time.Time{exif.DateTimeOriginal(), exif.CreateDate(), exif.ModifyDate()} {
		if !t.IsZero() {
			md.DateTaken, md.HasDate = t, true
			break
		}
	}

	md.CameraMake = strings.TrimSpace(exif.Make)
	md.CameraModel = strings.TrimSpace(exif.Model)

	log.Debug().
		Str("path", path).
		Bool("has_gps", md.HasGPS).
		Bool("has_date", md.HasDate).
		Msg("Image metadata extraction complete")

	return md, nil
}

// Context renders the metadata as a short block appended to a question.
// It returns "" when there is nothing worth reporting.
func (m *ImageMetadata) Context() string {
	if m == nil {
		return ""
	}
	var lines []string
	if m.HasDate {
		lines = append(lines, "Taken: "+m.DateTaken.Format("Monday, January 2, 2006 3:04 PM"))
	}
	if m.HasGPS {
		lines = append(lines, fmt.Sprintf("Location: %.6f, %.6f", m.Latitude, m.Longitude))
	}
	if cam := strings.TrimSpace(m.CameraMake + " " + m.CameraModel); cam != "" {
		lines = append(lines, "Camera: "+cam)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Image metadata:\n" + strings.Join(lines, "\n")
}
