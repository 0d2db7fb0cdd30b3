package port

import "context"

// DecodedFrame is one frame of a fully decoded recording.
type DecodedFrame struct {
	Path         string
	Index        int
	TimestampSec float64
}

// DecodeResult is the full ordered frame set of one video.
type DecodeResult struct {
	Frames      []DecodedFrame
	DurationSec float64
	Width       int
	Height      int
}

// FrameDecoder decodes an already-stored video into its complete frame
// sequence for the offline extraction path.
type FrameDecoder interface {
	DecodeFrames(ctx context.Context, videoPath string, outputDir string) (*DecodeResult, error)
}
