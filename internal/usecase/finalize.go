package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/metrics"
	"github.com/iamedic/ultrasound-capture-service/internal/session"
)

// Finalize closes the session's sink, normalizes the recorded container
// through the repair ladder, flushes a still-open run, and stores the
// finished recording. The registry entry stays behind for a grace window so
// trailing chunk uploads are absorbed; the cleanup sweep removes it later.
// Calling Finalize twice is safe: the second call returns the same reference.
func (s *CaptureService) Finalize(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "CaptureService.Finalize")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID.String()))

	e, ok := s.registry.Get(sessionID)
	if !ok {
		return uuid.Nil, entity.ErrSessionNotFound
	}

	e.Lock()
	defer e.Unlock()
	if e.Removed() {
		return uuid.Nil, entity.ErrSessionNotFound
	}
	if e.Finalized {
		return e.Session.ID, nil
	}

	start := time.Now()
	sess := e.Session
	s.deactivateLocked(e)

	if !e.SinkClosed {
		if err := e.Sink.Close(); err != nil {
			s.logger.Warn("close sink", zap.Error(err), zap.String("session_id", sessionID.String()))
		}
		e.SinkClosed = true
	}

	key := e.VideoKey
	method := e.RepairMethod
	if key == "" {
		// Repair ladder: remux, then re-encode, then the original bytes. The
		// recording is never discarded even when unplayable.
		repairedPath := e.Sink.Path() + ".final.mp4"
		ctxRepair, spanRepair := tracer.Start(ctx, "repair_container")
		m, err := s.repairer.Repair(ctxRepair, e.Sink.Path(), repairedPath)
		spanRepair.End()
		method = m
		if err != nil {
			s.logger.Error("container repair failed on every strategy, keeping raw bytes",
				zap.Error(err), zap.String("session_id", sessionID.String()))
			method = port.RepairPassthrough
			repairedPath = e.Sink.Path()
		}

		// Commit deletes the spool, so record the key before anything that can
		// still fail. A finalize retried after such a failure reuses the
		// committed object instead of re-running repair against a missing file.
		key, err = e.Sink.Commit(ctx, repairedPath)
		if err != nil {
			return uuid.Nil, fmt.Errorf("store recording: %w", err)
		}
		e.VideoKey = key
		e.RepairMethod = method
	}

	// End-of-stream rule: a run still open when streaming stops flushes one
	// final extraction for its peak.
	if ev, fired := s.detector.Flush(&e.RunState); fired {
		if _, err := s.persistEvent(ctx, e, ev, ""); err != nil {
			s.logger.Error("flush trailing run", zap.Error(err), zap.String("session_id", sessionID.String()))
		} else {
			metrics.FramesExtractedTotal.WithLabelValues("flush").Inc()
		}
	}

	video := &entity.VideoArtifact{
		ID:           sess.ID,
		StudyID:      sess.StudyID,
		StorageKey:   key,
		ByteCount:    sess.ByteCount,
		DurationSec:  sess.Duration,
		RepairMethod: string(method),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.videos.CreateVideo(ctx, video); err != nil {
		return uuid.Nil, fmt.Errorf("record video: %w", err)
	}

	e.Finalized = true
	metrics.FinalizeDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())

	s.publishStatus(ctx, entity.CaptureStatusMessage{
		SessionID:   &sess.ID,
		VideoID:     sess.ID,
		StudyID:     sess.StudyID,
		Status:      "finalized",
		FrameCount:  sess.FrameCount,
		DurationSec: sess.Duration,
	})

	s.logger.Info("capture session finalized",
		zap.String("session_id", sessionID.String()),
		zap.String("storage_key", key),
		zap.String("repair_method", string(method)),
		zap.Int64("byte_count", sess.ByteCount),
	)
	return sess.ID, nil
}

// Cancel stops the session without repair and releases its resources. Safe
// to invoke while chunk or frame calls for the same session are in flight.
func (s *CaptureService) Cancel(ctx context.Context, sessionID uuid.UUID) error {
	e, ok := s.registry.Get(sessionID)
	if !ok {
		return entity.ErrSessionNotFound
	}

	e.Lock()
	sess := e.Session
	if e.Removed() {
		e.Unlock()
		return entity.ErrSessionNotFound
	}
	s.deactivateLocked(e)
	if !e.SinkClosed {
		if err := e.Sink.Close(); err != nil {
			s.logger.Warn("close sink on cancel", zap.Error(err), zap.String("session_id", sessionID.String()))
		}
		e.SinkClosed = true
	}
	if !e.Finalized {
		if err := e.Sink.Abort(); err != nil {
			s.logger.Warn("discard spool on cancel", zap.Error(err), zap.String("session_id", sessionID.String()))
		}
	}
	e.Finalized = true
	e.Unlock()

	s.registry.Remove(sessionID)

	s.publishStatus(ctx, entity.CaptureStatusMessage{
		SessionID: &sess.ID,
		VideoID:   sess.ID,
		StudyID:   sess.StudyID,
		Status:    "cancelled",
	})

	s.logger.Info("capture session cancelled", zap.String("session_id", sessionID.String()))
	return nil
}

// StartCleanupLoop periodically sweeps idle sessions until ctx is done.
func (s *CaptureService) StartCleanupLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.CleanupIdle(); n > 0 {
					s.logger.Info("cleaned up idle sessions", zap.Int("removed", n))
				}
			}
		}
	}()
}

// CleanupIdle removes sessions with no recent activity and releases their
// sinks. An abandoned active session loses its partial recording.
func (s *CaptureService) CleanupIdle() int {
	return s.registry.CleanupIdle(s.cfg.SessionIdleTimeout, func(e *session.Entry) {
		e.Lock()
		defer e.Unlock()
		if e.Session.Active {
			s.logger.Warn("removing abandoned active session",
				zap.String("session_id", e.Session.ID.String()))
		}
		s.deactivateLocked(e)
		if !e.SinkClosed {
			_ = e.Sink.Close()
			e.SinkClosed = true
		}
		if !e.Finalized {
			_ = e.Sink.Abort()
		}
	})
}

func (s *CaptureService) publishStatus(ctx context.Context, msg entity.CaptureStatusMessage) {
	if s.publisher == nil {
		return
	}
	data, _ := json.Marshal(msg)
	if err := s.publisher.PublishStatus(ctx, data); err != nil {
		s.logger.Error("publish capture status", zap.Error(err))
	}
}
