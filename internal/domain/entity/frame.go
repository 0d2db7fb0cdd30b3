package entity

import (
	"time"

	"github.com/google/uuid"
)

// ExtractedFrame is a still persisted because the run detector selected it.
// After creation it is owned by the surrounding media-management subsystem.
type ExtractedFrame struct {
	ID           uuid.UUID
	VideoID      uuid.UUID
	StudyID      uuid.UUID
	StorageKey   string // empty for the best-effort end-of-stream flush entry
	FrameIndex   int
	TimestampSec float64
	Width        int
	Height       int
	Probability  float64
	ModelVersion string
	CreatedAt    time.Time
}

// VideoArtifact references a finished recording in the media store.
type VideoArtifact struct {
	ID           uuid.UUID
	StudyID      uuid.UUID
	StorageKey   string
	ByteCount    int64
	DurationSec  float64
	RepairMethod string
	CreatedAt    time.Time
}

// VideoExtractMessage is the inbound payload of the batch-extraction queue.
type VideoExtractMessage struct {
	VideoID     uuid.UUID `json:"video_id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	DoctorEmail string    `json:"doctor_email,omitempty"`
}

// CaptureStatusMessage is published whenever a session or batch extraction
// reaches a terminal state.
type CaptureStatusMessage struct {
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	VideoID      uuid.UUID  `json:"video_id"`
	StudyID      uuid.UUID  `json:"study_id"`
	Status       string     `json:"status"`
	FrameCount   int        `json:"frame_count,omitempty"`
	Extracted    int        `json:"extracted_frames,omitempty"`
	DurationSec  float64    `json:"duration_seconds,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
