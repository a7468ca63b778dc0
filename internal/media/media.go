// Package media models the items a caller asks questions about.
//
// An Item is an identifier, a media kind, and a Source: a reference to the
// payload that can be materialized as a local file when a provider or the
// transcoder needs one. Local files materialize to themselves; in-memory
// buffers and remote objects (see s3util) are spilled to a temporary file that
// the release function removes.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind is the media kind of an item.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// SupportedImageExtensions maps image file extensions to MIME types.
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// SupportedVideoExtensions maps video file extensions to MIME types.
var SupportedVideoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// IsImage returns true if the file extension corresponds to an image.
func IsImage(ext string) bool {
	_, ok := SupportedImageExtensions[strings.ToLower(ext)]
	return ok
}

// IsVideo returns true if the file extension corresponds to a video.
func IsVideo(ext string) bool {
	_, ok := SupportedVideoExtensions[strings.ToLower(ext)]
	return ok
}

// IsSupported returns true if the file extension is supported (image or video).
func IsSupported(ext string) bool {
	return IsImage(ext) || IsVideo(ext)
}

// KindOf returns the media kind implied by a path's extension.
func KindOf(path string) Kind {
	ext := filepath.Ext(path)
	switch {
	case IsImage(ext):
		return KindImage
	case IsVideo(ext):
		return KindVideo
	default:
		return KindUnknown
	}
}

// MIMEType returns the MIME type for a path's extension.
func MIMEType(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if m, ok := SupportedImageExtensions[ext]; ok {
		return m, nil
	}
	if m, ok := SupportedVideoExtensions[ext]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unsupported file extension: %s", ext)
}

// Source is a reference to an item's payload.
type Source interface {
	// Materialize returns a local path holding the payload and a function
	// that releases it. The release function is never nil on success.
	Materialize(ctx context.Context) (path string, release func(), err error)

	// Size returns the payload size in bytes, or -1 if unknown before
	// materialization.
	Size() int64
}

// Item is one unit of work: an identifier, a kind and a payload reference.
// Items are immutable once created.
type Item struct {
	ID     string
	Kind   Kind
	Source Source
}

// NewFileItem builds an item for a file on local disk. The kind is derived
// from the extension.
func NewFileItem(path string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Item{}, fmt.Errorf("file not found: %s", path)
		}
		return Item{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return Item{}, fmt.Errorf("path is a directory, not a file: %s", path)
	}
	kind := KindOf(path)
	if kind == KindUnknown {
		return Item{}, fmt.Errorf("unsupported file extension: %s", filepath.Ext(path))
	}
	return Item{
		ID:     path,
		Kind:   kind,
		Source: FileSource{Path: path, size: info.Size()},
	}, nil
}

// NewMemoryItem builds an item backed by an in-memory buffer. The id's
// extension selects the kind and the temp file suffix.
func NewMemoryItem(id string, data []byte) Item {
	return Item{
		ID:     id,
		Kind:   KindOf(id),
		Source: MemorySource{Data: data, Ext: filepath.Ext(id)},
	}
}

// FileSource is a payload that already lives on local disk.
type FileSource struct {
	Path string
	size int64
}

// Materialize returns the file path itself; release is a no-op.
func (s FileSource) Materialize(context.Context) (string, func(), error) {
	if _, err := os.Stat(s.Path); err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", s.Path, err)
	}
	return s.Path, func() {}, nil
}

// Size returns the size recorded when the item was created.
func (s FileSource) Size() int64 {
	if s.size > 0 {
		return s.size
	}
	if info, err := os.Stat(s.Path); err == nil {
		return info.Size()
	}
	return -1
}

// MemorySource is a payload held in memory.
type MemorySource struct {
	Data []byte
	Ext  string
}

// Materialize writes the buffer to a temporary file.
func (s MemorySource) Materialize(context.Context) (string, func(), error) {
	f, err := os.CreateTemp("", "mediaquery-*"+s.Ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(s.Data); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return path, TempRelease(path), nil
}

// Size returns the buffer length.
func (s MemorySource) Size() int64 { return int64(len(s.Data)) }

// TempRelease returns a release function that removes path, logging but not
// failing when removal does not succeed.
func TempRelease(path string) func() {
	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove temp file")
		} else {
			log.Debug().Str("path", path).Msg("Temp file removed")
		}
	}
}
