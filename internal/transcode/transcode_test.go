package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fpang/mediaquery/internal/planner"
)

// assertContains checks that flag is immediately followed by value in args.
func assertContains(t *testing.T, args []string, flag, value string) {
	t.Helper()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return
		}
	}
	t.Errorf("expected args to contain %s %s, got: %v", flag, value, args)
}

func assertNotContains(t *testing.T, args []string, flag string) {
	t.Helper()
	for _, a := range args {
		if a == flag {
			t.Errorf("expected args not to contain %s, got: %v", flag, args)
			return
		}
	}
}

func TestBuildArgs_Balanced(t *testing.T) {
	tier, _ := planner.TierByName("balanced")
	args := BuildArgs("in.mov", "out.mp4", tier, EncoderX264)

	assertContains(t, args, "-i", "in.mov")
	assertContains(t, args, "-vf", "scale=854:480")
	assertContains(t, args, "-b:v", "600k")
	assertContains(t, args, "-r", "15")
	assertContains(t, args, "-c:v", "libx264")
	assertContains(t, args, "-preset", "fast")
	assertContains(t, args, "-y", "out.mp4")
	assertNotContains(t, args, "-crf")
	assertNotContains(t, args, "-t")
}

func TestBuildArgs_UltraSoftware(t *testing.T) {
	tier, _ := planner.TierByName("ultra")
	args := BuildArgs("in.mp4", "out.mp4", tier, EncoderX264)

	assertContains(t, args, "-vf", "scale=160:120")
	assertContains(t, args, "-b:v", "80k")
	assertContains(t, args, "-r", "5")
	assertContains(t, args, "-preset", "ultrafast")
	assertContains(t, args, "-crf", "38")
	assertContains(t, args, "-t", "330")
}

func TestBuildArgs_FinalHardware(t *testing.T) {
	tier, _ := planner.TierByName("final")
	args := BuildArgs("in.mp4", "out.mp4", tier, EncoderNVENC)

	assertContains(t, args, "-c:v", "h264_nvenc")
	assertContains(t, args, "-preset", "p1")
	assertContains(t, args, "-cq", "45")
	assertContains(t, args, "-t", "180")
	assertNotContains(t, args, "-crf")
}

func TestOutputPath(t *testing.T) {
	a := OutputPath("/work", "/videos/a/clip.mp4", "low")
	again := OutputPath("/work", "/videos/a/clip.mp4", "low")
	other := OutputPath("/work", "/videos/b/clip.mp4", "low")
	tier := OutputPath("/work", "/videos/a/clip.mp4", "final")

	if a != again {
		t.Errorf("OutputPath not deterministic: %s vs %s", a, again)
	}
	if a == other {
		t.Error("inputs with the same base name collided")
	}
	if a == tier {
		t.Error("tiers share an output path")
	}
	if filepath.Dir(a) != "/work" || !strings.HasPrefix(filepath.Base(a), "clip-") || !strings.HasSuffix(a, "-low.mp4") {
		t.Errorf("unexpected output path %s", a)
	}
}

// fakeRunner records calls and writes size bytes to the output (last arg).
type fakeRunner struct {
	calls []string // encoder per call
	fail  map[string]bool
	size  int
	block bool
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	enc := ""
	for i := range args {
		if args[i] == "-c:v" && i+1 < len(args) {
			enc = args[i+1]
		}
	}
	f.calls = append(f.calls, enc)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.fail[enc] {
		return "Unknown encoder", errors.New("exit status 1")
	}
	return "", os.WriteFile(args[len(args)-1], make([]byte, f.size), 0o644)
}

func newTestFFmpeg(t *testing.T, hw bool, r *fakeRunner) *FFmpeg {
	t.Helper()
	f, err := New(context.Background(), Options{
		FFmpegPath: "/nonexistent/ffmpeg",
		WorkDir:    t.TempDir(),
		Hardware:   &hw,
		Runner:     r.run,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func writeInput(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "input.mp4")
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCompress_Success(t *testing.T) {
	r := &fakeRunner{size: 100}
	f := newTestFFmpeg(t, false, r)
	in := writeInput(t, 1000)

	tier, _ := planner.TierByName("reduced")
	out, err := f.Compress(context.Background(), in, tier)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Size != 100 || out.Tier != "reduced" || out.Encoder != EncoderX264 {
		t.Errorf("unexpected output %+v", out)
	}
	out.Remove()
	if _, err := os.Stat(out.Path); !os.IsNotExist(err) {
		t.Error("Remove did not delete the output")
	}
}

func TestCompress_HardwareFallsBackToSoftware(t *testing.T) {
	r := &fakeRunner{size: 10, fail: map[string]bool{EncoderNVENC: true}}
	f := newTestFFmpeg(t, true, r)
	in := writeInput(t, 1000)

	out, err := f.Compress(context.Background(), in, planner.Ladder[0])
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Encoder != EncoderX264 {
		t.Errorf("encoder = %s, want libx264", out.Encoder)
	}
	if len(r.calls) != 2 || r.calls[0] != EncoderNVENC || r.calls[1] != EncoderX264 {
		t.Errorf("calls = %v, want [nvenc x264]", r.calls)
	}
}

func TestCompress_SoftwareFailureNotRetried(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{EncoderX264: true}}
	f := newTestFFmpeg(t, false, r)
	in := writeInput(t, 1000)

	if _, err := f.Compress(context.Background(), in, planner.Ladder[0]); err == nil {
		t.Fatal("expected error")
	}
	if len(r.calls) != 1 {
		t.Errorf("calls = %v, want one", r.calls)
	}
}

func TestCompress_Timeout(t *testing.T) {
	r := &fakeRunner{block: true}
	f := newTestFFmpeg(t, true, r)
	in := writeInput(t, 1000)

	tier := planner.Ladder[0]
	tier.Timeout = 20 * time.Millisecond
	_, err := f.Compress(context.Background(), in, tier)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("timeout should not trigger the software retry, calls = %v", r.calls)
	}
}

func TestCompress_Cancelled(t *testing.T) {
	r := &fakeRunner{block: true}
	f := newTestFFmpeg(t, false, r)
	in := writeInput(t, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := f.Compress(ctx, in, planner.Ladder[0])
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCompress_SamePathWaitsForRemove(t *testing.T) {
	r := &fakeRunner{size: 10}
	f := newTestFFmpeg(t, false, r)
	in := writeInput(t, 1000)
	tier := planner.Ladder[0]

	first, err := f.Compress(context.Background(), in, tier)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	type result struct {
		out Output
		err error
	}
	second := make(chan result, 1)
	go func() {
		out, err := f.Compress(context.Background(), in, tier)
		second <- result{out, err}
	}()

	select {
	case <-second:
		t.Fatal("second Compress ran while the first output was in use")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := os.Stat(first.Path); err != nil {
		t.Fatalf("first output disturbed: %v", err)
	}

	first.Remove()
	select {
	case got := <-second:
		if got.err != nil || got.out.Path != first.Path {
			t.Fatalf("second Compress = %+v, %v", got.out, got.err)
		}
		if _, err := os.Stat(got.out.Path); err != nil {
			t.Errorf("second output missing: %v", err)
		}
		got.out.Remove()
	case <-time.After(2 * time.Second):
		t.Fatal("second Compress did not start after Remove")
	}
}

func TestCompress_WaitHonorsContext(t *testing.T) {
	r := &fakeRunner{size: 10}
	f := newTestFFmpeg(t, false, r)
	in := writeInput(t, 1000)

	held, err := f.Compress(context.Background(), in, planner.Ladder[0])
	if err != nil {
		t.Fatal(err)
	}
	defer held.Remove()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Compress(ctx, in, planner.Ladder[0]); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("ffmpeg ran %d times, want 1", len(r.calls))
	}
}

func TestProbeHardware(t *testing.T) {
	tests := []struct {
		name     string
		smiErr   error
		encoders string
		want     bool
	}{
		{"no gpu", errors.New("not found"), "", false},
		{"gpu without nvenc", nil, " V..... libx264  H.264", false},
		{"gpu with nvenc", nil, " V..... libx264\n V....D h264_nvenc NVIDIA NVENC", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
				if name == "nvidia-smi" {
					return nil, tt.smiErr
				}
				return []byte(tt.encoders), nil
			}
			if got := probeHardware(context.Background(), "ffmpeg", run); got != tt.want {
				t.Errorf("probeHardware = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveFFmpeg_Override(t *testing.T) {
	p := filepath.Join(t.TempDir(), "myffmpeg")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveFFmpeg(p)
	if err != nil || got != p {
		t.Errorf("ResolveFFmpeg(%s) = %s, %v", p, got, err)
	}
}

func TestResolveFFmpeg_MissingFallsBackToLiteral(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	got, err := ResolveFFmpeg("/nonexistent/ffmpeg")
	// A bundled binary next to the test executable is not expected.
	if err == nil {
		t.Skipf("ffmpeg resolved to %s", got)
	}
	if !errors.Is(err, ErrFFmpegNotFound) || got != "ffmpeg" {
		t.Errorf("ResolveFFmpeg = %s, %v", got, err)
	}
}
