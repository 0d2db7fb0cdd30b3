package ffmpeg

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
)

// Decoder expands a stored recording into its frame sequence at a fixed
// sampling rate so the batch pass sees the same cadence the live path did.
type Decoder struct {
	fps    int
	format string
	logger *zap.Logger
}

func NewDecoder(fps int, format string, logger *zap.Logger) *Decoder {
	return &Decoder{fps: fps, format: format, logger: logger}
}

func (d *Decoder) DecodeFrames(ctx context.Context, videoPath string, outputDir string) (*port.DecodeResult, error) {
	duration, err := d.videoDuration(ctx, videoPath)
	if err != nil {
		d.logger.Warn("could not get video duration", zap.Error(err))
	}

	framePattern := filepath.Join(outputDir, fmt.Sprintf("frame_%%06d.%s", d.format))
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", d.fps),
		"-y",
		framePattern,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, string(output))
	}

	paths, err := filepath.Glob(filepath.Join(outputDir, fmt.Sprintf("frame_*.%s", d.format)))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames decoded from video")
	}
	sort.Strings(paths)

	frames := make([]port.DecodedFrame, len(paths))
	for i, p := range paths {
		frames[i] = port.DecodedFrame{
			Path:         p,
			Index:        i,
			TimestampSec: float64(i) / float64(d.fps),
		}
	}

	width, height := d.frameDimensions(paths[0])

	d.logger.Info("video decoded",
		zap.Int("frames", len(frames)),
		zap.Float64("video_duration", duration),
	)

	return &port.DecodeResult{
		Frames:      frames,
		DurationSec: duration,
		Width:       width,
		Height:      height,
	}, nil
}

func (d *Decoder) videoDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

func (d *Decoder) frameDimensions(path string) (int, int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
