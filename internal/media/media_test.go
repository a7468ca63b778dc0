package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"photo.jpg", KindImage},
		{"photo.JPEG", KindImage},
		{"dir/shot.png", KindImage},
		{"anim.webp", KindImage},
		{"clip.mp4", KindVideo},
		{"clip.MOV", KindVideo},
		{"clip.mkv", KindVideo},
		{"notes.txt", KindUnknown},
		{"noext", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := KindOf(tt.path); got != tt.want {
				t.Errorf("KindOf(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestMIMEType(t *testing.T) {
	if got, err := MIMEType("a.MOV"); err != nil || got != "video/quicktime" {
		t.Errorf("MIMEType(a.MOV) = %q, %v", got, err)
	}
	if _, err := MIMEType("a.doc"); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestNewFileItem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	item, err := NewFileItem(path)
	if err != nil {
		t.Fatalf("NewFileItem: %v", err)
	}
	if item.Kind != KindVideo {
		t.Errorf("Kind = %v, want video", item.Kind)
	}
	if item.Source.Size() != 10 {
		t.Errorf("Size = %d, want 10", item.Source.Size())
	}

	got, release, err := item.Source.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	release()
	if got != path {
		t.Errorf("Materialize path = %q, want %q", got, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file source release must not remove the original: %v", err)
	}

	if _, err := NewFileItem(dir); err == nil {
		t.Error("expected error for directory")
	}
	if _, err := NewFileItem(filepath.Join(dir, "missing.jpg")); err == nil {
		t.Error("expected error for missing file")
	}
	txt := filepath.Join(dir, "notes.txt")
	os.WriteFile(txt, []byte("x"), 0o644)
	if _, err := NewFileItem(txt); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestMemorySourceMaterializeAndRelease(t *testing.T) {
	item := NewMemoryItem("upload.jpg", []byte("payload"))
	if item.Kind != KindImage {
		t.Fatalf("Kind = %v, want image", item.Kind)
	}

	path, release, err := item.Source.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Errorf("temp file extension = %q, want .jpg", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "payload" {
		t.Fatalf("temp file content = %q, %v", data, err)
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temp file still present after release: %v", err)
	}
	// Releasing twice is harmless.
	release()
}

func TestScaledDimensions(t *testing.T) {
	tests := []struct {
		name      string
		w, h, max int
		wantW     int
		wantH     int
	}{
		{"fits", 800, 600, 1024, 800, 600},
		{"landscape", 4000, 3000, 2000, 2000, 1500},
		{"portrait", 3000, 4000, 2000, 1500, 2000},
		{"square", 5000, 5000, 1000, 1000, 1000},
		{"extreme strip", 10000, 1, 100, 100, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := scaledDimensions(tt.w, tt.h, tt.max)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("scaledDimensions(%d,%d,%d) = %dx%d, want %dx%d",
					tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func solidImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func TestPrepareImagePassthrough(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(64, 32), nil); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	img, err := PrepareImage(raw, "image/jpeg", 128)
	if err != nil {
		t.Fatalf("PrepareImage: %v", err)
	}
	if !bytes.Equal(img.Data, raw) {
		t.Error("small JPEG should be passed through unchanged")
	}
	if img.Width != 64 || img.Height != 32 {
		t.Errorf("dimensions = %dx%d, want 64x32", img.Width, img.Height)
	}
}

func TestPrepareImageDownscalesToJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(400, 200)); err != nil {
		t.Fatal(err)
	}

	img, err := PrepareImage(buf.Bytes(), "image/png", 100)
	if err != nil {
		t.Fatalf("PrepareImage: %v", err)
	}
	if img.MIMEType != "image/jpeg" {
		t.Errorf("MIMEType = %q, want image/jpeg", img.MIMEType)
	}
	if img.Width != 100 || img.Height != 50 {
		t.Errorf("dimensions = %dx%d, want 100x50", img.Width, img.Height)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil || format != "jpeg" || cfg.Width != 100 {
		t.Errorf("re-encoded payload: format=%q width=%d err=%v", format, cfg.Width, err)
	}
}

func TestPrepareImageRejectsGarbage(t *testing.T) {
	if _, err := PrepareImage([]byte("not an image"), "image/jpeg", 0); err == nil {
		t.Error("expected decode error")
	}
}

func TestImageMetadataContext(t *testing.T) {
	var nilMD *ImageMetadata
	if nilMD.Context() != "" {
		t.Error("nil metadata should render empty")
	}
	if (&ImageMetadata{}).Context() != "" {
		t.Error("empty metadata should render empty")
	}
	md := &ImageMetadata{HasGPS: true, Latitude: 1.5, Longitude: -2.25, CameraMake: "Sony"}
	got := md.Context()
	if !bytes.Contains([]byte(got), []byte("Location: 1.500000, -2.250000")) {
		t.Errorf("Context() missing location: %q", got)
	}
	if !bytes.Contains([]byte(got), []byte("Camera: Sony")) {
		t.Errorf("Context() missing camera: %q", got)
	}
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "city-b")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		filepath.Join(dir, "b.mp4"),
		filepath.Join(dir, "a.jpg"),
		filepath.Join(dir, "readme.txt"),
		filepath.Join(sub, "c.mov"),
	} {
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	items, err := ScanDirectory(dir, ScanOptions{})
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if filepath.Base(items[0].ID) != "a.jpg" || filepath.Base(items[1].ID) != "b.mp4" {
		t.Errorf("items not sorted by path: %s, %s", items[0].ID, items[1].ID)
	}

	top, err := ScanDirectory(dir, ScanOptions{MaxDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Errorf("MaxDepth=1 returned %d items, want 2", len(top))
	}

	videos, err := ScanDirectory(dir, ScanOptions{Kinds: []Kind{KindVideo}})
	if err != nil {
		t.Fatal(err)
	}
	if len(videos) != 2 {
		t.Errorf("video-only scan returned %d items, want 2", len(videos))
	}

	limited, err := ScanDirectory(dir, ScanOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || filepath.Base(limited[0].ID) != "a.jpg" {
		t.Errorf("Limit=1 returned %v", limited)
	}

	if _, err := ScanDirectory(filepath.Join(dir, "nope"), ScanOptions{}); err == nil {
		t.Error("expected error for missing directory")
	}
}
