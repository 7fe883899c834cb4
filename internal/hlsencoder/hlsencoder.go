// Package hlsencoder drives the external encoder subprocess to produce
// adaptive-bitrate HLS: one ffmpeg invocation per eligible resolution rung,
// run serially within a single ingest, plus a master playlist and a
// thumbnail. Subprocess lifecycle (line-buffered output capture, SIGTERM
// then SIGKILL cancellation) follows the pattern used by the encoder
// supervisor elsewhere in this codebase.
package hlsencoder

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"os/exec"

	"github.com/castforge/ingestd/internal/errkind"
	"github.com/castforge/ingestd/internal/models"
	"github.com/castforge/ingestd/internal/observability/metrics"
)

const (
	segmentSeconds  = 6
	killGracePeriod = 3 * time.Second
)

// Config selects the concrete ffmpeg codec and binary path.
type Config struct {
	FFmpegBinary string
	Encoder      string // one of libx264, h264_nvenc, h264_vaapi, h264_qsv
}

// Encoder produces HLS renditions for one source file at a time.
type Encoder struct {
	cfg Config
}

func New(cfg Config) *Encoder {
	if strings.TrimSpace(cfg.FFmpegBinary) == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if strings.TrimSpace(cfg.Encoder) == "" {
		cfg.Encoder = "libx264"
	}
	return &Encoder{cfg: cfg}
}

// Result is the output of a completed Encode call.
type Result struct {
	Renditions    []models.Rendition
	MasterPath    string
	ThumbnailPath string
}

// ProgressFunc is invoked as variants complete and as the in-flight variant
// reports progress. overallPercent spans the whole encode across all
// variants; detail names the current variant height, e.g. "720p".
type ProgressFunc func(detail string, overallPercent int)

// Encode transcodes source into outputDir, producing one HLS variant per
// ladder rung at or below sourceHeight, a master playlist, and a thumbnail.
// Any variant failure aborts remaining variants and deletes outputDir.
func (e *Encoder) Encode(ctx context.Context, source, outputDir string, sourceWidth, sourceHeight int, durationSeconds float64, onProgress ProgressFunc) (Result, error) {
	if onProgress == nil {
		onProgress = func(string, int) {}
	}
	renditions := eligibleRenditions(sourceHeight)
	if len(renditions) == 0 {
		return Result{}, errkind.New(errkind.EncodeFailed, "no eligible resolution for source")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, errkind.Wrap(errkind.EncodeFailed, "create output directory", err)
	}

	total := len(renditions)
	for i, rend := range renditions {
		detail := fmt.Sprintf("%dp", rend.Height)
		variantDone := i
		variantStart := time.Now()
		err := e.encodeVariant(ctx, source, outputDir, rend, sourceWidth, sourceHeight, durationSeconds, func(variantPercent int) {
			overall := (variantDone*100 + variantPercent) / total
			onProgress(detail, overall)
		})
		metrics.HLSVariantEncodeDuration.WithLabelValues(strconv.Itoa(rend.Height)).Observe(time.Since(variantStart).Seconds())
		if err != nil {
			_ = os.RemoveAll(outputDir)
			return Result{}, err
		}
		onProgress(detail, ((i+1)*100)/total)
	}

	masterPath, err := writeMasterPlaylist(outputDir, renditions, sourceWidth, sourceHeight)
	if err != nil {
		_ = os.RemoveAll(outputDir)
		return Result{}, errkind.Wrap(errkind.EncodeFailed, "write master playlist", err)
	}

	thumbPath, err := e.generateThumbnail(ctx, source, outputDir, durationSeconds)
	if err != nil {
		_ = os.RemoveAll(outputDir)
		return Result{}, err
	}

	return Result{Renditions: renditions, MasterPath: masterPath, ThumbnailPath: thumbPath}, nil
}

func eligibleRenditions(sourceHeight int) []models.Rendition {
	out := make([]models.Rendition, 0, len(models.Ladder))
	for _, r := range models.Ladder {
		if sourceHeight >= r.Height {
			out = append(out, r)
		}
	}
	return out
}

func (e *Encoder) encodeVariant(ctx context.Context, source, outputDir string, rend models.Rendition, sourceWidth, sourceHeight int, durationSeconds float64, onProgress func(percent int)) error {
	variantDir := filepath.Join(outputDir, fmt.Sprintf("%dp", rend.Height))
	if err := os.MkdirAll(variantDir, 0o755); err != nil {
		return errkind.Wrap(errkind.EncodeFailed, "create variant directory", err)
	}
	playlistPath := filepath.Join(outputDir, fmt.Sprintf("%dp.m3u8", rend.Height))
	segmentPattern := filepath.Join(variantDir, "segment_%05d.m4s")
	initPattern := filepath.Join(variantDir, "init.mp4")

	width := scaledWidth(sourceWidth, sourceHeight, rend.Height)
	maxrate := int(math.Round(float64(rend.VideoBitrateKbps) * 1.08))
	if maxrate <= rend.VideoBitrateKbps {
		maxrate = rend.VideoBitrateKbps + 1
	}
	gop := segmentSeconds * 30 // assume ~30fps source; encoder clamps to actual keyframe cadence

	args := []string{
		"-y", "-i", source,
		"-vf", fmt.Sprintf("scale=%d:%d", width, rend.Height),
		"-c:v", e.videoCodec(),
		"-profile:v", "high",
		"-b:v", fmt.Sprintf("%dk", rend.VideoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", maxrate),
		"-bufsize", fmt.Sprintf("%dk", rend.VideoBitrateKbps*2),
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", rend.AudioBitrateKbps),
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_segment_type", "fmp4",
		"-hls_fmp4_init_filename", initPattern,
		"-hls_flags", "independent_segments+program_date_time",
		"-hls_segment_filename", segmentPattern,
		"-progress", "pipe:1",
		"-nostats",
		playlistPath,
	}

	return e.run(ctx, args, durationSeconds, onProgress)
}

func (e *Encoder) videoCodec() string {
	return e.cfg.Encoder
}

func scaledWidth(sourceWidth, sourceHeight, targetHeight int) int {
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return ensureEven(int(math.Round(float64(targetHeight) * 16.0 / 9.0)))
	}
	w := int(math.Round(float64(sourceWidth) * float64(targetHeight) / float64(sourceHeight)))
	return ensureEven(w)
}

func ensureEven(v int) int {
	if v <= 0 {
		return 2
	}
	if v%2 != 0 {
		return v + 1
	}
	return v
}

// run starts ffmpeg, streams -progress pipe:1 key=value lines into
// onProgress, and enforces SIGTERM-then-SIGKILL cancellation.
func (e *Encoder) run(ctx context.Context, args []string, durationSeconds float64, onProgress func(percent int)) error {
	cmd := exec.Command(e.cfg.FFmpegBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errkind.Wrap(errkind.EncodeFailed, "attach stdout pipe", err)
	}
	stderrTail := newTailWriter(2048)
	cmd.Stderr = stderrTail

	if err := cmd.Start(); err != nil {
		return errkind.Wrap(errkind.EncodeFailed, "start encoder subprocess", err)
	}

	killed := make(chan struct{})
	go watchCancellation(ctx, cmd, killed)

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		scanProgress(stdout, durationSeconds, onProgress)
	}()

	waitErr := cmd.Wait()
	<-progressDone

	select {
	case <-killed:
		return errkind.New(errkind.Cancelled, "encoding cancelled")
	default:
	}

	if waitErr != nil {
		return errkind.Wrap(errkind.EncodeFailed, fmt.Sprintf("encoder exited: %s", stderrTail.String()), waitErr)
	}
	return nil
}

func watchCancellation(ctx context.Context, cmd *exec.Cmd, killed chan<- struct{}) {
	<-ctx.Done()
	close(killed)
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(killGracePeriod)
	defer timer.Stop()
	<-timer.C
	_ = cmd.Process.Signal(syscall.SIGKILL)
}

func scanProgress(r interface {
	Read([]byte) (int, error)
}, durationSeconds float64, onProgress func(percent int)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_ms", "out_time_us":
			microseconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || durationSeconds <= 0 {
				continue
			}
			elapsed := float64(microseconds) / 1_000_000
			percent := int((elapsed / durationSeconds) * 100)
			if percent > 100 {
				percent = 100
			}
			if percent < 0 {
				percent = 0
			}
			onProgress(percent)
		}
	}
}

// tailWriter retains only the last n bytes written to it, for embedding in
// error messages without holding the full stderr stream in memory.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

func writeMasterPlaylist(outputDir string, renditions []models.Rendition, sourceWidth, sourceHeight int) (string, error) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:7\n")
	for _, rend := range renditions {
		width := scaledWidth(sourceWidth, sourceHeight, rend.Height)
		bandwidth := (rend.VideoBitrateKbps + rend.AudioBitrateKbps) * 1000
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", bandwidth, width, rend.Height)
		fmt.Fprintf(&b, "%dp.m3u8\n", rend.Height)
	}
	path := filepath.Join(outputDir, "master.m3u8")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Encoder) generateThumbnail(ctx context.Context, source, outputDir string, durationSeconds float64) (string, error) {
	offset := durationSeconds * 0.10
	if offset < 0 {
		offset = 0
	}
	path := filepath.Join(outputDir, "thumbnail.jpg")
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", offset),
		"-i", source,
		"-frames:v", "1",
		"-vf", "scale=640:-2",
		path,
	}
	cmd := exec.CommandContext(ctx, e.cfg.FFmpegBinary, args...)
	stderrTail := newTailWriter(2048)
	cmd.Stderr = stderrTail
	if err := cmd.Run(); err != nil {
		return "", errkind.Wrap(errkind.EncodeFailed, fmt.Sprintf("thumbnail generation failed: %s", stderrTail.String()), err)
	}
	return path, nil
}
