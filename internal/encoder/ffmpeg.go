package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vodpipe/internal/ladder"
	"vodpipe/internal/observability/logging"
)

const (
	defaultBinary    = "ffmpeg"
	defaultTimeout   = 30 * time.Minute
	defaultWaitDelay = 5 * time.Second
	stderrTailBytes  = 4 << 10
	stagingPrefix    = ".staging-"
)

// Result locates the output of a successful encode. Segments holds the
// segment file names in playlist order, relative to SegmentsDir.
type Result struct {
	SegmentsDir  string
	PlaylistPath string
	Segments     []string
}

// Invoker encodes one source into one rendition.
type Invoker interface {
	Encode(ctx context.Context, sourcePath string, profile ladder.Profile, outputDir string) (Result, error)
}

// Config controls how the ffmpeg process is launched.
type Config struct {
	// Binary is the encoder executable; defaults to "ffmpeg" on PATH.
	Binary string
	// Timeout bounds a single invocation.
	Timeout time.Duration
	// WaitDelay bounds how long Encode waits for output pipes to drain
	// after the process has been killed.
	WaitDelay time.Duration
	// VideoCodec and AudioCodec default to libx264 and aac.
	VideoCodec string
	AudioCodec string
	Logger     *slog.Logger
}

// FFmpeg invokes an ffmpeg-compatible binary with HLS VOD output options.
type FFmpeg struct {
	binary     string
	timeout    time.Duration
	waitDelay  time.Duration
	videoCodec string
	audioCodec string
	logger     *slog.Logger
}

var _ Invoker = (*FFmpeg)(nil)

// NewFFmpeg constructs an invoker, filling unset fields with defaults.
func NewFFmpeg(cfg Config) *FFmpeg {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	waitDelay := cfg.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}
	videoCodec := strings.TrimSpace(cfg.VideoCodec)
	if videoCodec == "" {
		videoCodec = "libx264"
	}
	audioCodec := strings.TrimSpace(cfg.AudioCodec)
	if audioCodec == "" {
		audioCodec = "aac"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		binary:     binary,
		timeout:    timeout,
		waitDelay:  waitDelay,
		videoCodec: videoCodec,
		audioCodec: audioCodec,
		logger:     logger,
	}
}

// PlaylistName is the media playlist file name for a profile.
func PlaylistName(p ladder.Profile) string {
	return p.Label + ".m3u8"
}

// SegmentPattern is the printf-style segment name template for a profile.
func SegmentPattern(p ladder.Profile) string {
	return p.Label + "_%03d.ts"
}

// BuildArgs returns the encoder arguments for one profile. Output names are
// relative so the playlist references segments by bare file name; the
// process runs with its working directory set to the staging directory.
func (f *FFmpeg) BuildArgs(sourcePath string, p ladder.Profile) []string {
	return []string{
		"-y",
		"-nostdin",
		"-i", sourcePath,
		"-vf", fmt.Sprintf("scale=w=%d:h=%d", p.Width, p.Height),
		"-c:v", f.videoCodec,
		"-b:v", strconv.Itoa(p.Bitrate),
		"-c:a", f.audioCodec,
		"-f", "hls",
		"-hls_time", strconv.Itoa(p.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", SegmentPattern(p),
		PlaylistName(p),
	}
}

// Encode runs the encoder for profile and publishes its playlist and
// segments into outputDir. On any error outputDir holds no files for this
// profile from this attempt.
func (f *FFmpeg) Encode(ctx context.Context, sourcePath string, p ladder.Profile, outputDir string) (Result, error) {
	if err := checkSource(sourcePath); err != nil {
		return Result{}, &Error{Kind: KindIOFailure, Profile: p.Label, Err: err}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, &Error{Kind: KindIOFailure, Profile: p.Label, Err: fmt.Errorf("create output dir: %w", err)}
	}
	absSource, err := filepath.Abs(sourcePath)
	if err != nil {
		return Result{}, &Error{Kind: KindIOFailure, Profile: p.Label, Err: err}
	}

	logger := logging.WithContext(ctx, f.logger)
	if _, ok := logging.ProfileFromContext(ctx); !ok {
		logger = logger.With("profile", p.Label)
	}

	staging, err := os.MkdirTemp(outputDir, stagingPrefix+p.Label+"-")
	if err != nil {
		return Result{}, &Error{Kind: KindIOFailure, Profile: p.Label, Err: fmt.Errorf("create staging dir: %w", err)}
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			logger.Warn("failed to remove staging dir", "dir", staging, "error", rmErr)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stderr := newTailBuffer(stderrTailBytes)
	cmd := exec.CommandContext(runCtx, f.binary, f.BuildArgs(absSource, p)...)
	cmd.Dir = staging
	cmd.Stdout = io.Discard
	cmd.Stderr = io.MultiWriter(stderr, newLogWriter(logger))
	cmd.WaitDelay = f.waitDelay
	configureProcess(cmd)

	started := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		return Result{}, f.classify(ctx, runCtx, p, runErr, stderr.String())
	}

	segments, err := verifyStaging(staging, p)
	if err != nil {
		return Result{}, &Error{Kind: KindEncoderFailed, Profile: p.Label, StderrTail: stderr.String(), Err: err}
	}
	if err := publish(staging, outputDir, p, segments); err != nil {
		return Result{}, &Error{Kind: KindIOFailure, Profile: p.Label, Err: err}
	}

	logger.Debug("rendition encoded", "segments", len(segments), "duration_ms", time.Since(started).Milliseconds())
	return Result{
		SegmentsDir:  outputDir,
		PlaylistPath: filepath.Join(outputDir, PlaylistName(p)),
		Segments:     segments,
	}, nil
}

func (f *FFmpeg) classify(parent, runCtx context.Context, p ladder.Profile, runErr error, tail string) error {
	if parent.Err() != nil {
		return &Error{Kind: KindCanceled, Profile: p.Label, StderrTail: tail, Err: parent.Err()}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Profile: p.Label, StderrTail: tail, Err: fmt.Errorf("exceeded %s", f.timeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return &Error{Kind: KindEncoderFailed, Profile: p.Label, ExitCode: exitErr.ExitCode(), StderrTail: tail}
	}
	return &Error{Kind: KindEncoderFailed, Profile: p.Label, ExitCode: -1, StderrTail: tail, Err: runErr}
}

func checkSource(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("source path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source %s is not a regular file", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	return file.Close()
}

// publish moves segments first and the media playlist last, then drops
// segments left over from an earlier attempt with a longer output.
func publish(staging, outputDir string, p ladder.Profile, segments []string) error {
	moved := make([]string, 0, len(segments))
	rollback := func() {
		for _, name := range moved {
			_ = os.Remove(filepath.Join(outputDir, name))
		}
	}
	for _, name := range segments {
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(outputDir, name)); err != nil {
			rollback()
			return fmt.Errorf("move segment %s: %w", name, err)
		}
		moved = append(moved, name)
	}
	playlistName := PlaylistName(p)
	if err := os.Rename(filepath.Join(staging, playlistName), filepath.Join(outputDir, playlistName)); err != nil {
		rollback()
		return fmt.Errorf("move playlist: %w", err)
	}
	removeStaleSegments(outputDir, p, segments)
	return nil
}

func removeStaleSegments(outputDir string, p ladder.Profile, keep []string) {
	current := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		current[name] = struct{}{}
	}
	matches, err := filepath.Glob(filepath.Join(outputDir, p.Label+"_*.ts"))
	if err != nil {
		return
	}
	for _, match := range matches {
		if _, ok := current[filepath.Base(match)]; !ok {
			_ = os.Remove(match)
		}
	}
}

type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// logWriter forwards encoder output to the logger line by line at debug
// level.
type logWriter struct {
	logger  *slog.Logger
	partial []byte
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		line := bytes.TrimSpace(data[:idx])
		data = data[idx+1:]
		if len(line) > 0 {
			w.logger.Debug("encoder output", "line", string(line))
		}
	}
	if len(data) > stderrTailBytes {
		data = data[len(data)-stderrTailBytes:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}
