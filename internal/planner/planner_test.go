package planner

import (
	"testing"
	"time"
)

func TestRawCeiling(t *testing.T) {
	got := RawCeiling(10 << 20)
	// 10 MiB / 1.33 ~= 7.52 MiB
	if got < 7_800_000 || got > 7_900_000 {
		t.Errorf("RawCeiling(10MiB) = %d, want ~7.88e6", got)
	}
	if RawCeiling(0) != got {
		t.Error("zero ceiling should fall back to the default")
	}
}

func TestNewEmptyWhenFits(t *testing.T) {
	for _, size := range []int64{0, 1, 5 << 20, RawCeiling(0)} {
		p := New(size, 0)
		if !p.Empty() {
			t.Errorf("New(%d) has %d tiers, want none", size, len(p.Tiers))
		}
		if !p.Accepts(size) {
			t.Errorf("plan for %d does not accept its own size", size)
		}
	}
}

func TestStartIndexBands(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{8 * mib, 0},
		{20 * mib, 0},
		{20*mib + 1, 1},
		{50 * mib, 1},
		{50*mib + 1, 2},
		{100 * mib, 2},
		{100*mib + 1, 3},
		{4 << 30, 3},
	}
	for _, tt := range tests {
		if got := StartIndex(tt.size); got != tt.want {
			t.Errorf("StartIndex(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestStartIndexMonotonic(t *testing.T) {
	prev := -1
	for size := int64(0); size <= 300*mib; size += mib / 2 {
		idx := StartIndex(size)
		if idx < prev {
			t.Fatalf("StartIndex(%d) = %d dropped below %d", size, idx, prev)
		}
		prev = idx
	}
}

func TestLadderOrdering(t *testing.T) {
	var prevCap time.Duration
	for i, tier := range Ladder {
		if i > 0 {
			if tier.Bitrate >= Ladder[i-1].Bitrate {
				t.Errorf("tier %s bitrate %d not below %s (%d)",
					tier.Name, tier.Bitrate, Ladder[i-1].Name, Ladder[i-1].Bitrate)
			}
			if prevCap > 0 && (tier.MaxDuration == 0 || tier.MaxDuration > prevCap) {
				t.Errorf("tier %s loosens the duration cap", tier.Name)
			}
		}
		prevCap = tier.MaxDuration
		if tier.EffectiveTimeout() <= 0 {
			t.Errorf("tier %s has no timeout", tier.Name)
		}
	}
}

func TestNewScenarios(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		wantFirst string
		wantLen   int
	}{
		{"5MB fits", 5 * mib, "", 0},
		{"50MB starts at reduced", 50 * mib, "reduced", len(Ladder) - 1},
		{"200MB starts at minimal", 200 * mib, "minimal", len(Ladder) - 3},
		{"15MB starts at balanced", 15 * mib, "balanced", len(Ladder)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.size, 10<<20)
			if len(p.Tiers) != tt.wantLen {
				t.Fatalf("got %d tiers, want %d", len(p.Tiers), tt.wantLen)
			}
			if tt.wantLen > 0 && p.Tiers[0].Name != tt.wantFirst {
				t.Errorf("first tier = %s, want %s", p.Tiers[0].Name, tt.wantFirst)
			}
			if tt.wantLen > 0 && p.Tiers[len(p.Tiers)-1].Name != "final" {
				t.Errorf("plan does not end at the final tier")
			}
		})
	}
}

func TestNewDoesNotAliasLadder(t *testing.T) {
	p := New(200*mib, 0)
	p.Tiers[0].Bitrate = 1
	if Ladder[3].Bitrate == 1 {
		t.Fatal("plan shares backing array with Ladder")
	}
}

func TestTierByName(t *testing.T) {
	tier, ok := TierByName("ultra")
	if !ok || tier.MaxDuration != 330*time.Second || tier.Timeout != 15*time.Minute {
		t.Errorf("TierByName(ultra) = %+v, %v", tier, ok)
	}
	if _, ok := TierByName("bogus"); ok {
		t.Error("unexpected tier for bogus name")
	}
	if got := tier.Scale(); got != "160:120" {
		t.Errorf("Scale() = %q", got)
	}
}
