package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
)

// Repairer normalizes streamed recordings. Capture clients stop mid-GOP and
// drop chunks, so the spooled file frequently has a truncated or missing
// container index.
type Repairer struct {
	logger *zap.Logger
}

func NewRepairer(logger *zap.Logger) *Repairer {
	return &Repairer{logger: logger}
}

// Repair tries the cheap remux first, then a full re-encode, and finally
// copies the raw bytes verbatim. The recording survives every outcome.
func (r *Repairer) Repair(ctx context.Context, srcPath, dstPath string) (port.RepairMethod, error) {
	if err := r.remux(ctx, srcPath, dstPath); err == nil {
		return port.RepairRemux, nil
	} else {
		r.logger.Warn("remux failed, re-encoding", zap.Error(err), zap.String("src", srcPath))
	}

	if err := r.reencode(ctx, srcPath, dstPath); err == nil {
		return port.RepairReencode, nil
	} else {
		r.logger.Warn("re-encode failed, keeping raw bytes", zap.Error(err), zap.String("src", srcPath))
	}

	if err := copyFile(srcPath, dstPath); err != nil {
		return port.RepairPassthrough, fmt.Errorf("passthrough copy: %w", err)
	}
	return port.RepairPassthrough, nil
}

func (r *Repairer) remux(ctx context.Context, srcPath, dstPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", srcPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		dstPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg remux: %w, output: %s", err, string(output))
	}
	return nil
}

func (r *Repairer) reencode(ctx context.Context, srcPath, dstPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-err_detect", "ignore_err",
		"-i", srcPath,
		"-c:v", "libx264",
		"-preset", "fast",
		"-movflags", "+faststart",
		"-an",
		"-y",
		dstPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg re-encode: %w, output: %s", err, string(output))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
