// Package cli holds terminal helpers shared by the mediaquery commands:
// directory selection, result formatting and interactive batch controls.
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fpang/mediaquery/internal/provider"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// PrintResult writes one result as a short block.
func PrintResult(w io.Writer, res provider.QueryResult) {
	status := "OK"
	if !res.OK() {
		status = "FAILED (" + string(res.Class) + ")"
	}
	fmt.Fprintf(w, "%s  %s\n", status, res.ItemID)
	fmt.Fprintf(w, "   provider: %s   attempts: %d   time: %s", res.Provider, res.Attempts, FormatDurationShort(res.Duration))
	if res.Tier != "" {
		fmt.Fprintf(w, "   tier: %s", res.Tier)
	}
	fmt.Fprintln(w)
	if res.Answer != "" {
		for _, line := range strings.Split(strings.TrimSpace(res.Answer), "\n") {
			fmt.Fprintf(w, "   %s\n", line)
		}
	}
	if res.Message != "" {
		fmt.Fprintf(w, "   error: %s\n", res.Message)
	}
}

// PrintSummary writes totals for a finished batch.
func PrintSummary(w io.Writer, results []provider.QueryResult, elapsed time.Duration) {
	var ok int
	byClass := make(map[provider.Classification]int)
	for _, r := range results {
		if r.OK() {
			ok++
		} else {
			byClass[r.Class]++
		}
	}
	fmt.Fprintln(w, "============================================")
	fmt.Fprintf(w, "Processed: %d   Succeeded: %d   Failed: %d   Elapsed: %s\n",
		len(results), ok, len(results)-ok, FormatDurationShort(elapsed))
	for _, c := range []provider.Classification{
		provider.ClassUnsupported, provider.ClassRateLimited, provider.ClassTransient,
		provider.ClassPermanent, provider.ClassCancelled,
	} {
		if n := byClass[c]; n > 0 {
			fmt.Fprintf(w, "   %s: %d\n", c, n)
		}
	}
}
