// Package transcode shrinks video files with an external ffmpeg process.
//
// One Compress call runs one ladder tier. The caller (the query service)
// walks a planner.Plan, calling Compress until the output fits. Outputs are
// written to a work directory under a name derived from the input path and
// the tier, so repeated attempts on the same input overwrite rather than
// accumulate. A path is leased to one caller from Compress until
// Output.Remove; concurrent requests for the same input and tier wait.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/metrics"
	"github.com/fpang/mediaquery/internal/planner"
)

// Encoder names.
const (
	EncoderNVENC = "h264_nvenc"
	EncoderX264  = "libx264"
)

// stderrLogTail is how much ffmpeg stderr is kept in failure logs.
const stderrLogTail = 2000

// Output describes a transcoded file. Callers must call Remove once done
// with it.
type Output struct {
	Path    string
	Size    int64
	Tier    string
	Encoder string
	Elapsed time.Duration

	release func()
}

// Remove deletes the output file and frees its path for the next caller.
// Missing files are not an error.
func (o Output) Remove() {
	if o.release != nil {
		defer o.release()
	}
	if o.Path == "" {
		return
	}
	if err := os.Remove(o.Path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", o.Path).Msg("Failed to remove transcoded file")
	}
}

// Compressor runs one compression tier.
type Compressor interface {
	Compress(ctx context.Context, inputPath string, tier planner.Tier) (Output, error)
}

// Options configures an FFmpeg transcoder.
type Options struct {
	// FFmpegPath overrides binary resolution.
	FFmpegPath string

	// WorkDir receives outputs. Defaults to a "mediaquery" directory under
	// the system temp dir.
	WorkDir string

	// Hardware forces the hardware decision. Nil means probe.
	Hardware *bool

	// Runner replaces process execution (tests).
	Runner Runner
}

// FFmpeg is a Compressor backed by the ffmpeg binary.
type FFmpeg struct {
	path     string
	workDir  string
	hardware bool
	run      Runner

	mu     sync.Mutex
	leases map[string]chan struct{}
}

// New resolves the ffmpeg binary, probes for hardware encoding and prepares
// the work directory. A missing ffmpeg is logged, not fatal: Compress will
// fail per item and the failure is recorded on that item.
func New(ctx context.Context, opts Options) (*FFmpeg, error) {
	path, err := ResolveFFmpeg(opts.FFmpegPath)
	if err != nil {
		log.Warn().Err(err).Msg("ffmpeg not found; video compression will fail")
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "mediaquery")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	var hw bool
	if opts.Hardware != nil {
		hw = *opts.Hardware
	} else {
		hw = ProbeHardware(ctx, path)
	}

	run := opts.Runner
	if run == nil {
		run = execRunner
	}

	log.Info().
		Str("ffmpeg", path).
		Str("work_dir", workDir).
		Bool("hardware", hw).
		Msg("Transcoder ready")

	return &FFmpeg{path: path, workDir: workDir, hardware: hw, run: run}, nil
}

// Path returns the resolved ffmpeg binary.
func (f *FFmpeg) Path() string { return f.path }

// Hardware reports whether hardware encoding is in use.
func (f *FFmpeg) Hardware() bool { return f.hardware }

// Compress transcodes inputPath with the given tier. If a hardware encode
// fails for a reason other than timeout or cancellation, the tier is retried
// once with the software encoder.
func (f *FFmpeg) Compress(ctx context.Context, inputPath string, tier planner.Tier) (Output, error) {
	out := OutputPath(f.workDir, inputPath, tier.Name)
	release, err := f.lease(ctx, out)
	if err != nil {
		return Output{}, err
	}

	encoder := EncoderX264
	if f.hardware {
		encoder = EncoderNVENC
	}

	res, err := f.runTier(ctx, inputPath, out, tier, encoder)
	if err != nil && encoder == EncoderNVENC && !errors.Is(err, ErrTimeout) && ctx.Err() == nil {
		log.Warn().
			Err(err).
			Str("tier", tier.Name).
			Msg("Hardware encode failed, retrying tier with libx264")
		res, err = f.runTier(ctx, inputPath, out, tier, EncoderX264)
	}
	if err != nil {
		release()
		return res, err
	}
	res.release = release
	return res, nil
}

// lease claims path until the returned func runs. Another caller holding
// the same path is waited for.
func (f *FFmpeg) lease(ctx context.Context, path string) (func(), error) {
	for {
		f.mu.Lock()
		held, busy := f.leases[path]
		if !busy {
			done := make(chan struct{})
			if f.leases == nil {
				f.leases = make(map[string]chan struct{})
			}
			f.leases[path] = done
			f.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					f.mu.Lock()
					delete(f.leases, path)
					f.mu.Unlock()
					close(done)
				})
			}, nil
		}
		f.mu.Unlock()

		log.Debug().Str("path", path).Msg("Waiting for transcode output in use")
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *FFmpeg) runTier(ctx context.Context, input, output string, tier planner.Tier, encoder string) (Output, error) {
	timeout := tier.EffectiveTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := BuildArgs(input, output, tier, encoder)

	log.Info().
		Str("input_path", input).
		Str("tier", tier.Name).
		Str("encoder", encoder).
		Str("scale", tier.Scale()).
		Int("bitrate_kbps", tier.Bitrate).
		Int("fps", tier.FrameRate).
		Dur("timeout", timeout).
		Msg("Starting video compression")
	log.Debug().Strs("args", args).Msg("Running ffmpeg")

	start := time.Now()
	stderr, err := f.run(ctx, f.path, args...)
	elapsed := time.Since(start)

	rec := metrics.New().
		Dimension("Tier", tier.Name).
		Dimension("Encoder", encoder).
		Duration("CompressionMs", elapsed)

	if err != nil {
		os.Remove(output)
		rec.Count("CompressionErrors").Flush()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Output{}, fmt.Errorf("%w: tier %s after %s", ErrTimeout, tier.Name, timeout)
		}
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		log.Warn().
			Err(err).
			Str("tier", tier.Name).
			Str("ffmpeg_output", tail(stderr, stderrLogTail)).
			Dur("duration", elapsed).
			Msg("ffmpeg compression failed")
		return Output{}, fmt.Errorf("ffmpeg %s (%s) failed: %w", tier.Name, encoder, err)
	}

	info, err := os.Stat(output)
	if err != nil {
		rec.Count("CompressionErrors").Flush()
		return Output{}, fmt.Errorf("failed to stat compressed file: %w", err)
	}

	var inputSize int64
	if st, err := os.Stat(input); err == nil {
		inputSize = st.Size()
	}
	ratio := 0.0
	if info.Size() > 0 {
		ratio = float64(inputSize) / float64(info.Size())
	}

	rec.Metric("CompressionRatio", ratio, metrics.UnitNone).
		Metric("CompressedSizeBytes", float64(info.Size()), metrics.UnitBytes).
		Count("Compressions").
		Flush()

	log.Info().
		Str("output_path", output).
		Str("tier", tier.Name).
		Int64("input_size_bytes", inputSize).
		Int64("output_size_bytes", info.Size()).
		Float64("compression_ratio", ratio).
		Dur("compression_time", elapsed).
		Msg("Video compression complete")

	return Output{
		Path:    output,
		Size:    info.Size(),
		Tier:    tier.Name,
		Encoder: encoder,
		Elapsed: elapsed,
	}, nil
}

// BuildArgs constructs the ffmpeg argument list for one tier.
func BuildArgs(input, output string, tier planner.Tier, encoder string) []string {
	args := []string{"-hide_banner", "-i", input}
	args = append(args, "-vf", "scale="+tier.Scale())
	args = append(args, "-b:v", strconv.Itoa(tier.Bitrate)+"k")
	args = append(args, "-r", strconv.Itoa(tier.FrameRate))
	args = append(args, "-c:v", encoder)

	preset := tier.Preset
	if preset == "" {
		preset = "fast"
	}
	if encoder == EncoderNVENC && preset == "ultrafast" {
		// nvenc has no ultrafast; p1 is its fastest preset.
		preset = "p1"
	}
	args = append(args, "-preset", preset)

	if tier.CRF > 0 {
		if encoder == EncoderNVENC {
			args = append(args, "-cq", strconv.Itoa(tier.CRF))
		} else {
			args = append(args, "-crf", strconv.Itoa(tier.CRF))
		}
	}
	if tier.MaxDuration > 0 {
		args = append(args, "-t", strconv.Itoa(int(tier.MaxDuration.Seconds())))
	}
	args = append(args, "-c:a", "aac", "-movflags", "+faststart")
	args = append(args, "-y", output)
	return args
}

// OutputPath returns the deterministic output location for input at tier:
// <workDir>/<base>-<hash8>-<tier>.mp4. The hash is a name-based UUID of the
// absolute input path, so two inputs with the same base name do not collide.
func OutputPath(workDir, input, tier string) string {
	abs, err := filepath.Abs(input)
	if err != nil {
		abs = input
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String()
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(workDir, fmt.Sprintf("%s-%s-%s.mp4", base, id[:8], tier))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
