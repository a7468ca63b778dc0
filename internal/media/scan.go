package media

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScanOptions configures directory scanning behavior.
type ScanOptions struct {
	// MaxDepth limits recursion depth. 0 = unlimited, 1 = top-level only.
	MaxDepth int

	// Limit caps the number of items returned. 0 = unlimited.
	Limit int

	// Kinds restricts the scan to the listed kinds. Empty means images and videos.
	Kinds []Kind
}

func (o ScanOptions) wants(k Kind) bool {
	if k == KindUnknown {
		return false
	}
	if len(o.Kinds) == 0 {
		return true
	}
	for _, want := range o.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// ScanDirectory walks dirPath and returns an item for every supported media
// file, sorted by path. Symlinks to files are followed; symlinks to
// directories are skipped to prevent loops.
func ScanDirectory(dirPath string, opts ScanOptions) ([]Item, error) {
	log.Info().
		Str("path", dirPath).
		Int("max_depth", opts.MaxDepth).
		Int("limit", opts.Limit).
		Msg("Scanning directory for media")

	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", dirPath)
		}
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dirPath)
	}

	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	baseDepth := strings.Count(absPath, string(os.PathSeparator))

	var paths []string
	limitReached := false

	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			return nil
		}

		if opts.MaxDepth > 0 && d.IsDir() {
			if strings.Count(path, string(os.PathSeparator))-baseDepth >= opts.MaxDepth {
				return fs.SkipDir
			}
		}
		if d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to stat symlink target, skipping")
				return nil
			}
			if target.IsDir() {
				log.Debug().Str("path", path).Msg("Skipping symlink to directory")
				return nil
			}
		}

		if !opts.wants(KindOf(path)) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	// Sort before applying the limit so the selection is stable.
	sort.Strings(paths)
	if opts.Limit > 0 && len(paths) > opts.Limit {
		paths = paths[:opts.Limit]
		limitReached = true
	}

	items := make([]Item, 0, len(paths))
	var images, videos int
	for _, p := range paths {
		item, err := NewFileItem(p)
		if err != nil {
			log.Warn().Err(err).Str("file", p).Msg("Failed to load media file, skipping")
			continue
		}
		if item.Kind == KindVideo {
			videos++
		} else {
			images++
		}
		items = append(items, item)
	}

	evt := log.Info().
		Int("total_images", images).
		Int("total_videos", videos).
		Str("directory", dirPath)
	if limitReached {
		evt.Bool("limit_reached", true)
	}
	evt.Msg("Directory scan complete")

	return items, nil
}
