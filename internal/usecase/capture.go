package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/runs"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/metrics"
	"github.com/iamedic/ultrasound-capture-service/internal/session"
)

// CaptureConfig tunes the streaming ingestion pipeline.
type CaptureConfig struct {
	// MaxVideoBytes is the per-recording storage ceiling; a session stops
	// accepting chunks once reached.
	MaxVideoBytes int64
	// MaxStorageBytes is the per-clinician aggregate ceiling checked at
	// session creation.
	MaxStorageBytes int64
	// OracleTimeout bounds each classifier round trip.
	OracleTimeout time.Duration
	// SessionIdleTimeout is how long an untouched session survives before
	// the cleanup sweep removes it.
	SessionIdleTimeout time.Duration
	// CleanupInterval is the sweep period.
	CleanupInterval time.Duration
	Detector        runs.Params
}

// CaptureService is the streaming half of the engine: session lifecycle,
// chunked video accumulation, and per-frame scoring and selection.
type CaptureService struct {
	registry  *session.Registry
	detector  *runs.Detector
	oracle    port.ScoreOracle
	media     port.MediaStore
	studies   port.StudyRepository
	frames    port.FrameRepository
	videos    port.VideoRepository
	repairer  port.Repairer
	publisher port.StatusPublisher
	logger    *zap.Logger
	cfg       CaptureConfig
}

func NewCaptureService(
	registry *session.Registry,
	oracle port.ScoreOracle,
	media port.MediaStore,
	studies port.StudyRepository,
	frames port.FrameRepository,
	videos port.VideoRepository,
	repairer port.Repairer,
	publisher port.StatusPublisher,
	logger *zap.Logger,
	cfg CaptureConfig,
) (*CaptureService, error) {
	detector, err := runs.NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	return &CaptureService{
		registry:  registry,
		detector:  detector,
		oracle:    oracle,
		media:     media,
		studies:   studies,
		frames:    frames,
		videos:    videos,
		repairer:  repairer,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// CreateSession allocates a fresh sink and registers a new session for the
// study. The session id is generated here, never caller-supplied.
func (s *CaptureService) CreateSession(ctx context.Context, studyID, doctorID uuid.UUID) (uuid.UUID, error) {
	owns, err := s.studies.DoctorOwnsStudy(ctx, studyID, doctorID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("check study ownership: %w", err)
	}
	if !owns {
		return uuid.Nil, entity.ErrPermissionDenied
	}

	used, err := s.studies.StorageUsed(ctx, doctorID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("check storage usage: %w", err)
	}
	if used >= s.cfg.MaxStorageBytes {
		return uuid.Nil, entity.ErrStorageExhausted
	}

	sink, err := s.media.CreateVideoSink(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create video sink: %w", err)
	}

	sess := entity.NewSession(studyID, doctorID)
	if _, err := s.registry.Create(sess, sink); err != nil {
		_ = sink.Abort()
		return uuid.Nil, fmt.Errorf("register session: %w", err)
	}

	metrics.ActiveSessions.Inc()
	s.logger.Info("capture session created",
		zap.String("session_id", sess.ID.String()),
		zap.String("study_id", studyID.String()),
	)
	return sess.ID, nil
}

// AppendChunk appends streamed video bytes to the session's sink. The
// returned flag tells the capture client whether to keep sending: false is
// the expected stop signal, not a failure. Chunks arriving after the sink
// closed are dropped silently, since trailing uploads from the capture client
// are not protocol violations.
func (s *CaptureService) AppendChunk(ctx context.Context, sessionID uuid.UUID, chunk []byte) (bool, error) {
	e, ok := s.registry.Get(sessionID)
	if !ok {
		return false, entity.ErrSessionNotFound
	}

	e.Lock()
	defer e.Unlock()
	if e.Removed() {
		return false, entity.ErrSessionNotFound
	}
	if e.SinkClosed {
		return false, nil
	}

	sess := e.Session
	remaining := s.cfg.MaxVideoBytes - sess.ByteCount
	write := chunk
	capacityHit := false
	if int64(len(chunk)) > remaining {
		// Fill exactly to the ceiling, never past it.
		write = chunk[:remaining]
		capacityHit = true
	}

	if len(write) > 0 {
		if _, err := e.Sink.Write(write); err != nil {
			return false, fmt.Errorf("append chunk: %w", err)
		}
		sess.ByteCount += int64(len(write))
		metrics.ChunkBytesTotal.Add(float64(len(write)))
	}
	sess.Touch()

	if capacityHit {
		s.deactivateLocked(e)
		if err := e.Sink.Close(); err != nil {
			s.logger.Warn("close sink after capacity stop", zap.Error(err), zap.String("session_id", sessionID.String()))
		}
		e.SinkClosed = true
		s.logger.Info("capture session reached storage ceiling",
			zap.String("session_id", sessionID.String()),
			zap.Int64("byte_count", sess.ByteCount),
		)
		return false, nil
	}
	return true, nil
}

// ProcessFrame scores one decoded frame, feeds the probability through the
// run detector, and persists a still when an extraction event fires.
func (s *CaptureService) ProcessFrame(ctx context.Context, sessionID uuid.UUID, frame []byte, timestampSec float64) (*entity.FrameResult, error) {
	e, ok := s.registry.Get(sessionID)
	if !ok {
		return nil, entity.ErrSessionNotFound
	}

	e.Lock()
	defer e.Unlock()
	if e.Removed() {
		return nil, entity.ErrSessionNotFound
	}
	if !e.Session.Active {
		return nil, entity.ErrSessionInactive
	}

	start := time.Now()
	prob, modelVersion := s.score(ctx, frame)

	sess := e.Session
	index := sess.FrameCount
	sess.FrameCount++
	if timestampSec > sess.Duration {
		sess.Duration = timestampSec
	}
	sess.Touch()
	e.Scores = append(e.Scores, prob)
	e.RememberFrame(index, timestampSec, frame)

	result := &entity.FrameResult{
		Useful:      prob >= s.detector.Params().RunThreshold,
		Probability: prob,
	}

	if ev, fired := s.detector.Push(&e.RunState, index, prob); fired {
		frameRec, err := s.persistEvent(ctx, e, ev, modelVersion)
		if err != nil {
			return nil, err
		}
		result.Extracted = true
		result.FrameID = &frameRec.ID
		path := "close"
		if ev.Early {
			path = "early"
		}
		metrics.FramesExtractedTotal.WithLabelValues(path).Inc()
		s.logger.Info("frame extracted",
			zap.String("session_id", sessionID.String()),
			zap.Int("frame_index", ev.Index),
			zap.Float64("probability", ev.Probability),
			zap.Bool("early", ev.Early),
		)
	}

	result.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	return result, nil
}

// Session returns the read-only view of a session.
func (s *CaptureService) Session(sessionID uuid.UUID) (entity.SessionInfo, error) {
	e, ok := s.registry.Get(sessionID)
	if !ok {
		return entity.SessionInfo{}, entity.ErrSessionNotFound
	}
	e.Lock()
	defer e.Unlock()
	if e.Removed() {
		return entity.SessionInfo{}, entity.ErrSessionNotFound
	}
	return e.Session.Info(), nil
}

// Sessions lists every session known to this process.
func (s *CaptureService) Sessions(activeOnly bool) []entity.SessionInfo {
	if activeOnly {
		return s.registry.ListActive()
	}
	return s.registry.List()
}

// score calls the oracle with a bounded timeout and fails closed to
// probability 0 so a slow or dead classifier never stalls ingestion.
func (s *CaptureService) score(ctx context.Context, frame []byte) (float64, string) {
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

// persistEvent stores the still selected by an extraction event. For a
// close-time event the peak frame may have left the rolling buffer; the
// record is then persisted without image bytes, best effort.
func (s *CaptureService) persistEvent(ctx context.Context, e *session.Entry, ev runs.Event, modelVersion string) (*entity.ExtractedFrame, error) {
	data, ts, buffered := e.RecentFrame(ev.Index)

	rec := &entity.ExtractedFrame{
		ID:           uuid.New(),
		VideoID:      e.Session.ID,
		StudyID:      e.Session.StudyID,
		FrameIndex:   ev.Index,
		TimestampSec: ts,
		Probability:  ev.Probability,
		ModelVersion: modelVersion,
		CreatedAt:    time.Now().UTC(),
	}

	if buffered {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			rec.Width = cfg.Width
			rec.Height = cfg.Height
		}
		key, err := s.media.CreateStill(ctx, data, "image/jpeg")
		if err != nil {
			return nil, fmt.Errorf("persist still: %w", err)
		}
		rec.StorageKey = key
	} else {
		s.logger.Warn("peak frame left the rolling buffer, recording metadata only",
			zap.String("session_id", e.Session.ID.String()),
			zap.Int("frame_index", ev.Index),
		)
	}

	if err := s.frames.CreateFrame(ctx, rec); err != nil {
		return nil, fmt.Errorf("record extracted frame: %w", err)
	}
	return rec, nil
}

// deactivateLocked flips the session to inactive exactly once. Caller holds
// the entry lock.
func (s *CaptureService) deactivateLocked(e *session.Entry) {
	if e.Session.Active {
		e.Session.Active = false
		metrics.ActiveSessions.Dec()
	}
}
