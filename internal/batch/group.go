package batch

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fpang/mediaquery/internal/media"
)

// GroupKeyFunc derives the group label for an item. Items sharing a label
// are processed together, in first-appearance order of the labels.
type GroupKeyFunc func(media.Item) string

// NoGrouping puts every item in one unlabeled group.
func NoGrouping(media.Item) string { return "" }

// GroupByDir groups items by the directory part of their ID.
func GroupByDir(item media.Item) string {
	dir := filepath.Dir(filepath.ToSlash(item.ID))
	if dir == "." {
		return ""
	}
	return dir
}

// GroupBySegment groups items by one directory component of their ID.
// Non-negative n counts from the first component; negative n counts back
// from the immediate parent directory (-1). Items with too few components
// land in the unlabeled group.
func GroupBySegment(n int) GroupKeyFunc {
	return func(item media.Item) string {
		dir := filepath.Dir(filepath.ToSlash(item.ID))
		var parts []string
		for _, p := range strings.Split(dir, "/") {
			if p != "" && p != "." {
				parts = append(parts, p)
			}
		}
		i := n
		if n < 0 {
			i = len(parts) + n
		}
		if i < 0 || i >= len(parts) {
			return ""
		}
		return parts[i]
	}
}

// ParseGroupBy maps a flag value onto a GroupKeyFunc. Accepted values are
// "", "none", "dir" and "segment:N".
func ParseGroupBy(s string) (GroupKeyFunc, error) {
	switch {
	case s == "" || s == "none":
		return NoGrouping, nil
	case s == "dir":
		return GroupByDir, nil
	case strings.HasPrefix(s, "segment:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "segment:"))
		if err != nil {
			return nil, fmt.Errorf("invalid segment index in %q: %w", s, err)
		}
		return GroupBySegment(n), nil
	}
	return nil, fmt.Errorf("unknown grouping %q (want none, dir or segment:N)", s)
}

// group is one labeled run of item indexes in submission order.
type group struct {
	label   string
	indexes []int
}

// groupItems partitions items by key, keeping first-appearance order of the
// labels and submission order inside each group.
func groupItems(items []media.Item, key GroupKeyFunc) []group {
	if key == nil {
		key = NoGrouping
	}
	var groups []group
	pos := make(map[string]int)
	for i, item := range items {
		label := key(item)
		g, ok := pos[label]
		if !ok {
			g = len(groups)
			pos[label] = g
			groups = append(groups, group{label: label})
		}
		groups[g].indexes = append(groups[g].indexes, i)
	}
	return groups
}
