package transcode

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Sentinel errors returned by the transcoder.
var (
	ErrFFmpegNotFound = errors.New("ffmpeg not found")
	ErrTimeout        = errors.New("transcode timed out")
)

// probeTimeout bounds the nvidia-smi and encoder-list probes.
const probeTimeout = 10 * time.Second

// bundledCandidates lists the locations checked for a bundled ffmpeg, in order.
func bundledCandidates() []string {
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name = "ffmpeg.exe"
	}
	var out []string
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), name))
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".mediaquery", "bin", name))
	}
	return out
}

// ResolveFFmpeg picks the ffmpeg binary to run: the configured override, a
// bundled binary, then whatever is on PATH. When nothing is found it returns
// the literal "ffmpeg" together with ErrFFmpegNotFound so callers may still
// attempt to run it.
func ResolveFFmpeg(override string) (string, error) {
	if override != "" {
		if isExecutable(override) {
			return override, nil
		}
		log.Warn().Str("path", override).Msg("Configured ffmpeg not usable, falling back")
	}
	for _, p := range bundledCandidates() {
		if isExecutable(p) {
			log.Debug().Str("path", p).Msg("Using bundled ffmpeg")
			return p, nil
		}
	}
	if p, err := exec.LookPath("ffmpeg"); err == nil {
		return p, nil
	}
	return "ffmpeg", ErrFFmpegNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// Runner executes a command and returns its captured stderr.
type Runner func(ctx context.Context, name string, args ...string) (stderr string, err error)

// execRunner is the production Runner.
func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// outputRunner runs a command and returns its stdout; used by the probes.
type outputRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ProbeHardware reports whether an NVIDIA GPU is present and ffmpeg was
// built with the h264_nvenc encoder.
func ProbeHardware(ctx context.Context, ffmpegPath string) bool {
	return probeHardware(ctx, ffmpegPath, execOutput)
}

func probeHardware(ctx context.Context, ffmpegPath string, run outputRunner) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if _, err := run(ctx, "nvidia-smi", "-L"); err != nil {
		log.Debug().Err(err).Msg("No NVIDIA GPU detected")
		return false
	}
	out, err := run(ctx, ffmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		log.Debug().Err(err).Msg("Could not list ffmpeg encoders")
		return false
	}
	if !strings.Contains(string(out), EncoderNVENC) {
		log.Debug().Msg("ffmpeg lacks h264_nvenc")
		return false
	}
	return true
}

// Version returns the first line of `ffmpeg -version`.
func Version(ctx context.Context, ffmpegPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := execOutput(ctx, ffmpegPath, "-version")
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return first, nil
}
