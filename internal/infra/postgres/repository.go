package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
)

type StudyRepository struct {
	pool *pgxpool.Pool
}

func NewStudyRepository(pool *pgxpool.Pool) *StudyRepository {
	return &StudyRepository{pool: pool}
}

func (r *StudyRepository) DoctorOwnsStudy(ctx context.Context, studyID, doctorID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM studies WHERE id=$1 AND doctor_id=$2)`

	var owns bool
	if err := r.pool.QueryRow(ctx, query, studyID, doctorID).Scan(&owns); err != nil {
		return false, fmt.Errorf("check study ownership: %w", err)
	}
	return owns, nil
}

func (r *StudyRepository) StorageUsed(ctx context.Context, doctorID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(SUM(v.byte_count), 0)
		FROM videos v
		JOIN studies s ON s.id = v.study_id
		WHERE s.doctor_id = $1`

	var used int64
	if err := r.pool.QueryRow(ctx, query, doctorID).Scan(&used); err != nil {
		return 0, fmt.Errorf("sum storage used: %w", err)
	}
	return used, nil
}

type FrameRepository struct {
	pool *pgxpool.Pool
}

func NewFrameRepository(pool *pgxpool.Pool) *FrameRepository {
	return &FrameRepository{pool: pool}
}

func (r *FrameRepository) CreateFrame(ctx context.Context, frame *entity.ExtractedFrame) error {
	query := `
		INSERT INTO frames (
			id, video_id, study_id, storage_key, frame_index,
			timestamp_sec, width, height, probability, model_version, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := r.pool.Exec(ctx, query,
		frame.ID, frame.VideoID, frame.StudyID, frame.StorageKey, frame.FrameIndex,
		frame.TimestampSec, frame.Width, frame.Height, frame.Probability,
		frame.ModelVersion, frame.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return nil
}

func (r *FrameRepository) FindByTimestamp(ctx context.Context, videoID uuid.UUID, timestampSec float64) (*entity.ExtractedFrame, error) {
	query := `
		SELECT id, video_id, study_id, storage_key, frame_index,
			timestamp_sec, width, height, probability, model_version, created_at
		FROM frames WHERE video_id=$1 AND timestamp_sec=$2`

	frame := &entity.ExtractedFrame{}
	err := r.pool.QueryRow(ctx, query, videoID, timestampSec).Scan(
		&frame.ID, &frame.VideoID, &frame.StudyID, &frame.StorageKey, &frame.FrameIndex,
		&frame.TimestampSec, &frame.Width, &frame.Height, &frame.Probability,
		&frame.ModelVersion, &frame.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find frame by timestamp: %w", err)
	}
	return frame, nil
}

func (r *FrameRepository) ListByVideo(ctx context.Context, videoID uuid.UUID) ([]*entity.ExtractedFrame, error) {
	query := `
		SELECT id, video_id, study_id, storage_key, frame_index,
			timestamp_sec, width, height, probability, model_version, created_at
		FROM frames WHERE video_id=$1 ORDER BY frame_index`

	rows, err := r.pool.Query(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []*entity.ExtractedFrame
	for rows.Next() {
		frame := &entity.ExtractedFrame{}
		if err := rows.Scan(
			&frame.ID, &frame.VideoID, &frame.StudyID, &frame.StorageKey, &frame.FrameIndex,
			&frame.TimestampSec, &frame.Width, &frame.Height, &frame.Probability,
			&frame.ModelVersion, &frame.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, rows.Err()
}

func (r *FrameRepository) SaveScores(ctx context.Context, videoID uuid.UUID, scores []float64, modelVersion string) error {
	query := `
		INSERT INTO frame_scores (video_id, frame_count, scores, model_version)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (video_id) DO UPDATE SET
			frame_count=EXCLUDED.frame_count,
			scores=EXCLUDED.scores,
			model_version=EXCLUDED.model_version`

	_, err := r.pool.Exec(ctx, query, videoID, len(scores), scores, modelVersion)
	if err != nil {
		return fmt.Errorf("save scores: %w", err)
	}
	return nil
}

func (r *FrameRepository) CachedScores(ctx context.Context, videoID uuid.UUID, frameCount int) ([]float64, string, bool, error) {
	query := `SELECT scores, model_version FROM frame_scores WHERE video_id=$1 AND frame_count=$2`

	var scores []float64
	var modelVersion string
	err := r.pool.QueryRow(ctx, query, videoID, frameCount).Scan(&scores, &modelVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("load cached scores: %w", err)
	}
	return scores, modelVersion, true, nil
}

type VideoRepository struct {
	pool *pgxpool.Pool
}

func NewVideoRepository(pool *pgxpool.Pool) *VideoRepository {
	return &VideoRepository{pool: pool}
}

func (r *VideoRepository) CreateVideo(ctx context.Context, video *entity.VideoArtifact) error {
	query := `
		INSERT INTO videos (
			id, study_id, storage_key, byte_count, duration_sec, repair_method, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := r.pool.Exec(ctx, query,
		video.ID, video.StudyID, video.StorageKey, video.ByteCount,
		video.DurationSec, video.RepairMethod, video.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (r *VideoRepository) FindVideo(ctx context.Context, videoID uuid.UUID) (*entity.VideoArtifact, error) {
	query := `
		SELECT id, study_id, storage_key, byte_count, duration_sec, repair_method, created_at
		FROM videos WHERE id=$1`

	video := &entity.VideoArtifact{}
	err := r.pool.QueryRow(ctx, query, videoID).Scan(
		&video.ID, &video.StudyID, &video.StorageKey, &video.ByteCount,
		&video.DurationSec, &video.RepairMethod, &video.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find video by id: %w", err)
	}
	return video, nil
}
