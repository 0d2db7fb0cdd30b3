package port

import (
	"context"

	"github.com/google/uuid"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
)

// StudyRepository answers ownership and quota questions for session creation.
type StudyRepository interface {
	DoctorOwnsStudy(ctx context.Context, studyID, doctorID uuid.UUID) (bool, error)
	StorageUsed(ctx context.Context, doctorID uuid.UUID) (int64, error)
}

// FrameRepository persists extracted frame records and the per-video score
// cache the batch path reuses.
type FrameRepository interface {
	CreateFrame(ctx context.Context, frame *entity.ExtractedFrame) error
	FindByTimestamp(ctx context.Context, videoID uuid.UUID, timestampSec float64) (*entity.ExtractedFrame, error)
	ListByVideo(ctx context.Context, videoID uuid.UUID) ([]*entity.ExtractedFrame, error)
	SaveScores(ctx context.Context, videoID uuid.UUID, scores []float64, modelVersion string) error
	// CachedScores returns the complete score array for a video, or ok=false
	// when no prior pass scored every frame.
	CachedScores(ctx context.Context, videoID uuid.UUID, frameCount int) (scores []float64, modelVersion string, ok bool, err error)
}

// VideoRepository persists finished recording references.
type VideoRepository interface {
	CreateVideo(ctx context.Context, video *entity.VideoArtifact) error
	FindVideo(ctx context.Context, videoID uuid.UUID) (*entity.VideoArtifact, error)
}
