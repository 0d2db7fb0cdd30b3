package entity

import (
	"time"

	"github.com/google/uuid"
)

// Session is the mutable state of one live capture. It exists only inside the
// running process; nothing here survives a restart.
type Session struct {
	ID           uuid.UUID
	StudyID      uuid.UUID
	DoctorID     uuid.UUID
	CreatedAt    time.Time
	ByteCount    int64
	FrameCount   int
	Duration     float64 // seconds, tracks the last processed frame timestamp
	LastActivity time.Time
	Active       bool
}

func NewSession(studyID, doctorID uuid.UUID) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New(),
		StudyID:      studyID,
		DoctorID:     doctorID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
}

func (s *Session) Touch() {
	s.LastActivity = time.Now().UTC()
}

// SessionInfo is the read-only view handed to the transport layer.
type SessionInfo struct {
	ID         uuid.UUID `json:"id"`
	StudyID    uuid.UUID `json:"study_id"`
	CreatedAt  time.Time `json:"created_at"`
	ByteCount  int64     `json:"byte_count"`
	FrameCount int       `json:"frame_count"`
	Duration   float64   `json:"duration_seconds"`
	Active     bool      `json:"active"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		StudyID:    s.StudyID,
		CreatedAt:  s.CreatedAt,
		ByteCount:  s.ByteCount,
		FrameCount: s.FrameCount,
		Duration:   s.Duration,
		Active:     s.Active,
	}
}

// FrameResult reports the outcome of scoring a single streamed frame.
type FrameResult struct {
	Useful      bool       `json:"useful"`
	Extracted   bool       `json:"extracted"`
	Probability float64    `json:"probability"`
	LatencyMs   float64    `json:"latency_ms"`
	FrameID     *uuid.UUID `json:"frame_id,omitempty"`
}
