package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/runs"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/metrics"
)

// BatchConfig tunes the offline extraction pass.
type BatchConfig struct {
	TempDir       string
	OracleTimeout time.Duration
	Detector      runs.Params
}

// BatchResult summarizes one offline extraction pass over a stored video.
type BatchResult struct {
	Frames         []*entity.ExtractedFrame
	FramesAnalyzed int
	RunsFound      int
	RunsSelected   int
}

// BatchService re-runs frame selection over an already-stored recording. It
// decodes every frame, scores them (reusing a cached score array when a prior
// pass exists), detects runs in batch form, and persists the peak still of
// each run whose peak clears the prediction threshold.
type BatchService struct {
	oracle    port.ScoreOracle
	media     port.MediaStore
	decoder   port.FrameDecoder
	studies   port.StudyRepository
	frames    port.FrameRepository
	videos    port.VideoRepository
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	notifier  port.FailureNotifier
	detector  *runs.Detector
	logger    *zap.Logger
	cfg       BatchConfig
}

func NewBatchService(
	oracle port.ScoreOracle,
	media port.MediaStore,
	decoder port.FrameDecoder,
	studies port.StudyRepository,
	frames port.FrameRepository,
	videos port.VideoRepository,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg BatchConfig,
) (*BatchService, error) {
	detector, err := runs.NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	return &BatchService{
		oracle:    oracle,
		media:     media,
		decoder:   decoder,
		studies:   studies,
		frames:    frames,
		videos:    videos,
		publisher: publisher,
		dlq:       dlq,
		notifier:  notifier,
		detector:  detector,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Extract runs the full offline pass for one stored video on behalf of a
// doctor. Frames extracted during live capture are not duplicated: a run
// whose peak timestamp already has a record reuses that record.
func (s *BatchService) Extract(ctx context.Context, videoID, doctorID uuid.UUID) (*BatchResult, error) {
	res, err := s.extract(ctx, videoID, doctorID)
	if err != nil {
		metrics.BatchExtractionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.BatchExtractionsTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (s *BatchService) extract(ctx context.Context, videoID, doctorID uuid.UUID) (*BatchResult, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "BatchService.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID.String()))

	video, err := s.videos.FindVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, entity.ErrVideoNotFound
	}

	owns, err := s.studies.DoctorOwnsStudy(ctx, video.StudyID, doctorID)
	if err != nil {
		return nil, fmt.Errorf("check study ownership: %w", err)
	}
	if !owns {
		return nil, entity.ErrPermissionDenied
	}

	workDir, err := os.MkdirTemp(s.cfg.TempDir, "extract-"+videoID.String()+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	videoPath := filepath.Join(workDir, "video.mp4")
	ctxFetch, spanFetch := tracer.Start(ctx, "fetch_video")
	err = s.media.FetchVideo(ctxFetch, video.StorageKey, videoPath)
	spanFetch.End()
	if err != nil {
		return nil, fmt.Errorf("fetch video: %w", err)
	}

	framesDir := filepath.Join(workDir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}

	ctxDecode, spanDecode := tracer.Start(ctx, "decode_frames")
	decoded, err := s.decoder.DecodeFrames(ctxDecode, videoPath, framesDir)
	spanDecode.End()
	if err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}

	scores, modelVersion, err := s.scoreAll(ctx, videoID, decoded.Frames)
	if err != nil {
		return nil, err
	}

	found := s.detector.DetectRuns(scores)
	result := &BatchResult{
		FramesAnalyzed: len(decoded.Frames),
		RunsFound:      len(found),
	}
	for _, run := range found {
		if run.PeakProb < s.cfg.Detector.PredictionThreshold {
			continue
		}
		result.RunsSelected++
		rec, err := s.persistPeak(ctx, video, decoded, run, modelVersion)
		if err != nil {
			return nil, err
		}
		result.Frames = append(result.Frames, rec)
	}

	s.logger.Info("batch extraction finished",
		zap.String("video_id", videoID.String()),
		zap.Int("frames_analyzed", result.FramesAnalyzed),
		zap.Int("runs_found", result.RunsFound),
		zap.Int("runs_selected", result.RunsSelected),
	)
	return result, nil
}

// RecordingRange reads a byte range of a stored recording, for scrubbing a
// preview without downloading the whole file. start and end are inclusive.
func (s *BatchService) RecordingRange(ctx context.Context, videoID, doctorID uuid.UUID, start, end int64) ([]byte, error) {
	video, err := s.videos.FindVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, entity.ErrVideoNotFound
	}

	owns, err := s.studies.DoctorOwnsStudy(ctx, video.StudyID, doctorID)
	if err != nil {
		return nil, fmt.Errorf("check study ownership: %w", err)
	}
	if !owns {
		return nil, entity.ErrPermissionDenied
	}

	return s.media.ReadRange(ctx, video.StorageKey, start, end)
}

// scoreAll returns one probability per decoded frame, reusing the cached
// score array from a previous pass when it covers the same frame count.
func (s *BatchService) scoreAll(ctx context.Context, videoID uuid.UUID, frames []port.DecodedFrame) ([]float64, string, error) {
	cached, modelVersion, ok, err := s.frames.CachedScores(ctx, videoID, len(frames))
	if err != nil {
		s.logger.Warn("score cache lookup failed, rescoring", zap.Error(err))
	} else if ok {
		s.logger.Info("reusing cached scores",
			zap.String("video_id", videoID.String()),
			zap.Int("frames", len(cached)),
		)
		return cached, modelVersion, nil
	}

	scores := make([]float64, len(frames))
	for i, f := range frames {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, "", fmt.Errorf("read decoded frame %d: %w", f.Index, err)
		}
		var prob float64
		prob, modelVersion = s.scoreFrame(ctx, data)
		scores[i] = prob
	}

	if err := s.frames.SaveScores(ctx, videoID, scores, modelVersion); err != nil {
		s.logger.Warn("persist score cache", zap.Error(err))
	}
	return scores, modelVersion, nil
}

// scoreFrame mirrors the live path: a classifier failure scores as 0.
func (s *BatchService) scoreFrame(ctx context.Context, frame []byte) (float64, string) {
	metrics.FramesScoredTotal.Inc()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()

	start := time.Now()
	pred, err := s.oracle.Predict(callCtx, frame)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleFailuresTotal.Inc()
		s.logger.Warn("classifier unavailable, scoring frame as 0", zap.Error(err))
		return 0, ""
	}
	return pred.Probability, pred.ModelVersion
}

func (s *BatchService) persistPeak(ctx context.Context, video *entity.VideoArtifact, decoded *port.DecodeResult, run runs.Run, modelVersion string) (*entity.ExtractedFrame, error) {
	peak := decoded.Frames[run.PeakIndex]

	existing, err := s.frames.FindByTimestamp(ctx, video.ID, peak.TimestampSec)
	if err != nil {
		return nil, fmt.Errorf("frame dedup lookup: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	data, err := os.ReadFile(peak.Path)
	if err != nil {
		return nil, fmt.Errorf("read peak frame %d: %w", peak.Index, err)
	}
	key, err := s.media.CreateStill(ctx, data, "image/jpeg")
	if err != nil {
		return nil, fmt.Errorf("persist still: %w", err)
	}

	rec := &entity.ExtractedFrame{
		ID:           uuid.New(),
		VideoID:      video.ID,
		StudyID:      video.StudyID,
		StorageKey:   key,
		FrameIndex:   peak.Index,
		TimestampSec: peak.TimestampSec,
		Width:        decoded.Width,
		Height:       decoded.Height,
		Probability:  run.PeakProb,
		ModelVersion: modelVersion,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.frames.CreateFrame(ctx, rec); err != nil {
		return nil, fmt.Errorf("record extracted frame: %w", err)
	}
	metrics.FramesExtractedTotal.WithLabelValues("batch").Inc()
	return rec, nil
}

// Execute handles one message from the extraction queue. Returning an error
// requeues the message; a nil return acknowledges it, with poison and
// permanently failing jobs parked on the dead letter queue first.
func (s *BatchService) Execute(ctx context.Context, raw []byte) error {
	var msg entity.VideoExtractMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Error("malformed extraction message", zap.Error(err))
		if s.dlq != nil {
			if dlqErr := s.dlq.PublishToDLQ(ctx, raw, "malformed message"); dlqErr != nil {
				s.logger.Error("publish to dlq", zap.Error(dlqErr))
			}
		}
		return nil
	}

	res, err := s.Extract(ctx, msg.VideoID, msg.DoctorID)
	if err != nil {
		if errors.Is(err, entity.ErrVideoNotFound) || errors.Is(err, entity.ErrPermissionDenied) {
			s.logger.Error("extraction permanently failed",
				zap.Error(err), zap.String("video_id", msg.VideoID.String()))
			if s.dlq != nil {
				if dlqErr := s.dlq.PublishToDLQ(ctx, raw, err.Error()); dlqErr != nil {
					s.logger.Error("publish to dlq", zap.Error(dlqErr))
				}
			}
			if s.notifier != nil && msg.DoctorEmail != "" {
				if nErr := s.notifier.NotifyFailure(ctx, msg.DoctorEmail, msg.VideoID.String(), err.Error()); nErr != nil {
					s.logger.Error("notify failure", zap.Error(nErr))
				}
			}
			return nil
		}
		return err
	}

	if s.publisher != nil {
		status, _ := json.Marshal(entity.CaptureStatusMessage{
			VideoID:   msg.VideoID,
			Status:    "extracted",
			Extracted: len(res.Frames),
		})
		if err := s.publisher.PublishStatus(ctx, status); err != nil {
			s.logger.Error("publish extraction status", zap.Error(err))
		}
	}
	return nil
}
