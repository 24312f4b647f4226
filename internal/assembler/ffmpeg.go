package assembler

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
)

// ToolExecutor runs the media tool invocations the assembler needs. The
// interface exists so assembly logic is testable without ffmpeg installed.
type ToolExecutor interface {
	// Concat joins the files listed in listFile (concat demuxer syntax)
	// into outPath without re-encoding.
	Concat(ctx context.Context, listFile, outPath string) error
	// BlankClip renders a black clip with silent audio of the given
	// duration, used in place of a missing participant track.
	BlankClip(ctx context.Context, duration float64, outPath string) error
	// MergeSideBySide composes host and guest tracks into one frame with
	// mixed audio.
	MergeSideBySide(ctx context.Context, hostPath, guestPath, outPath string) error
	// Duration probes a media file's duration in seconds.
	Duration(ctx context.Context, path string) (float64, error)
}

// FFmpeg executes assembly steps by shelling out to ffmpeg/ffprobe. Every
// invocation runs under a hard wall-clock timeout; a warning is logged if
// a run exceeds the soft threshold.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
	warnAfter   time.Duration
	logger      *zap.Logger
}

// NewFFmpeg creates an ffmpeg-backed executor.
func NewFFmpeg(ffmpegPath, ffprobePath string, timeout, warnAfter time.Duration, logger *zap.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		timeout:     timeout,
		warnAfter:   warnAfter,
		logger:      logger,
	}
}

func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	runCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if f.warnAfter > 0 {
		start := time.Now()
		warn := time.AfterFunc(f.warnAfter, func() {
			f.logger.Warn("media tool running long",
				zap.String("bin", bin),
				zap.Duration("elapsed", time.Since(start)),
				zap.Strings("args", args))
		})
		defer warn.Stop()
	}

	out, err := exec.CommandContext(runCtx, bin, args...).CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("%w: %s timed out after %s", models.ErrProcessing, bin, f.timeout)
		}
		return out, fmt.Errorf("%w: %s: %v: %s", models.ErrProcessing, bin, err, tail(out, 400))
	}
	return out, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// Concat joins chunk files losslessly via the concat demuxer.
func (f *FFmpeg) Concat(ctx context.Context, listFile, outPath string) error {
	_, err := f.run(ctx, f.ffmpegPath,
		"-y", "-f", "concat", "-safe", "0",
		"-i", listFile,
		"-c", "copy",
		outPath)
	return err
}

// BlankClip renders black video with silent stereo audio.
func (f *FFmpeg) BlankClip(ctx context.Context, duration float64, outPath string) error {
	d := strconv.FormatFloat(duration, 'f', 3, 64)
	_, err := f.run(ctx, f.ffmpegPath,
		"-y",
		"-f", "lavfi", "-i", "color=black:s=640x360:d="+d,
		"-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		"-t", d,
		"-c:v", "libx264", "-c:a", "aac",
		"-shortest",
		outPath)
	return err
}

// MergeSideBySide stacks host and guest video side by side and mixes audio.
func (f *FFmpeg) MergeSideBySide(ctx context.Context, hostPath, guestPath, outPath string) error {
	const filter = "[0:v]scale=960:1080[hv];[1:v]scale=960:1080[gv];" +
		"[hv][gv]hstack=inputs=2[v];[0:a][1:a]amix=inputs=2[a]"
	_, err := f.run(ctx, f.ffmpegPath,
		"-y",
		"-i", hostPath,
		"-i", guestPath,
		"-filter_complex", filter,
		"-map", "[v]", "-map", "[a]",
		"-c:v", "libx264", "-c:a", "aac",
		outPath)
	return err
}

// Duration probes a file's duration in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	out, err := f.run(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}
	d, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if perr != nil {
		return 0, fmt.Errorf("%w: parse duration %q: %v", models.ErrProcessing, strings.TrimSpace(string(out)), perr)
	}
	return d, nil
}
