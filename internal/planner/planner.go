// Package planner decides how hard a video has to be compressed before it
// fits a provider's payload ceiling.
//
// Providers take video inline as base64, so the raw file must stay below the
// wire ceiling divided by EncodingOverhead. The planner picks a starting tier
// from the original size and returns the rest of the ladder as escalation
// steps; the caller transcodes tier by tier until Plan.Accepts reports a fit.
package planner

import (
	"fmt"
	"time"
)

// EncodingOverhead is the base64 expansion factor applied to raw bytes.
const EncodingOverhead = 1.33

// DefaultMaxEncodedBytes is the wire ceiling used when a provider does not
// configure one.
const DefaultMaxEncodedBytes int64 = 10 << 20

// DefaultTimeout bounds a single transcode when a tier sets no timeout.
const DefaultTimeout = 10 * time.Minute

const mib = 1 << 20

// Tier is one compression setting on the ladder.
type Tier struct {
	Name      string
	Width     int
	Height    int
	Bitrate   int // kbps
	FrameRate int
	CRF       int // 0 = encoder default
	Preset    string

	// MaxDuration truncates the output. 0 means no cap.
	MaxDuration time.Duration

	// Timeout bounds the transcode. 0 means DefaultTimeout.
	Timeout time.Duration
}

// Scale returns the ffmpeg scale expression for the tier.
func (t Tier) Scale() string {
	return fmt.Sprintf("%d:%d", t.Width, t.Height)
}

// EffectiveTimeout returns the tier timeout or DefaultTimeout.
func (t Tier) EffectiveTimeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

// Ladder is the fixed escalation order. Each tier has a strictly lower
// bitrate than the one before it and a duration cap that never loosens.
var Ladder = []Tier{
	{Name: "balanced", Width: 854, Height: 480, Bitrate: 600, FrameRate: 15, Preset: "fast"},
	{Name: "reduced", Width: 640, Height: 480, Bitrate: 400, FrameRate: 12, Preset: "fast"},
	{Name: "low", Width: 480, Height: 360, Bitrate: 250, FrameRate: 10, Preset: "fast"},
	{Name: "minimal", Width: 320, Height: 240, Bitrate: 150, FrameRate: 8, Preset: "fast"},
	{Name: "aggressive", Width: 240, Height: 180, Bitrate: 120, FrameRate: 8, CRF: 32, Preset: "ultrafast"},
	{Name: "ultra", Width: 160, Height: 120, Bitrate: 80, FrameRate: 5, CRF: 38, Preset: "ultrafast",
		MaxDuration: 330 * time.Second, Timeout: 15 * time.Minute},
	{Name: "final", Width: 120, Height: 90, Bitrate: 50, FrameRate: 3, CRF: 45, Preset: "ultrafast",
		MaxDuration: 180 * time.Second, Timeout: 20 * time.Minute},
}

// Plan is the ordered list of tiers to try for one video.
type Plan struct {
	// OriginalSize is the raw size of the input in bytes.
	OriginalSize int64

	// RawCeiling is the largest raw size that fits the wire ceiling.
	RawCeiling int64

	// Tiers are tried in order. Empty when the original already fits.
	Tiers []Tier
}

// Empty reports whether no compression is needed.
func (p Plan) Empty() bool { return len(p.Tiers) == 0 }

// Accepts reports whether a payload of size raw bytes fits the ceiling.
func (p Plan) Accepts(size int64) bool { return size <= p.RawCeiling }

// RawCeiling converts a wire ceiling into the matching raw-byte ceiling.
func RawCeiling(maxEncoded int64) int64 {
	if maxEncoded <= 0 {
		maxEncoded = DefaultMaxEncodedBytes
	}
	return int64(float64(maxEncoded) / EncodingOverhead)
}

// StartIndex returns the ladder index to begin at for a raw size. Larger
// inputs start further down the ladder; the mapping is monotonic.
func StartIndex(originalSize int64) int {
	switch {
	case originalSize > 100*mib:
		return 3
	case originalSize > 50*mib:
		return 2
	case originalSize > 20*mib:
		return 1
	default:
		return 0
	}
}

// New plans compression of a video of originalSize raw bytes against a wire
// ceiling of maxEncoded bytes (0 = DefaultMaxEncodedBytes).
func New(originalSize, maxEncoded int64) Plan {
	p := Plan{OriginalSize: originalSize, RawCeiling: RawCeiling(maxEncoded)}
	if p.Accepts(originalSize) {
		return p
	}
	start := StartIndex(originalSize)
	p.Tiers = append([]Tier(nil), Ladder[start:]...)
	return p
}

// TierByName looks up a ladder tier.
func TierByName(name string) (Tier, bool) {
	for _, t := range Ladder {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}
