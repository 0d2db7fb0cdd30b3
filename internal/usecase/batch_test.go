package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
)

type batchHarness struct {
	svc       *BatchService
	oracle    *fakeOracle
	media     *fakeMedia
	decoder   *fakeDecoder
	studies   *fakeStudies
	frames    *fakeFrames
	videos    *fakeVideos
	publisher *fakePublisher
	dlq       *fakeDLQ
	notifier  *fakeNotifier
}

func newBatchHarness(t *testing.T) *batchHarness {
	t.Helper()
	h := &batchHarness{
		oracle:    &fakeOracle{},
		media:     newFakeMedia(),
		decoder:   &fakeDecoder{},
		studies:   &fakeStudies{owns: true},
		frames:    newFakeFrames(),
		videos:    newFakeVideos(),
		publisher: &fakePublisher{},
		dlq:       &fakeDLQ{},
		notifier:  &fakeNotifier{},
	}
	svc, err := NewBatchService(
		h.oracle, h.media, h.decoder, h.studies, h.frames, h.videos,
		h.publisher, h.dlq, h.notifier, zap.NewNop(),
		BatchConfig{
			TempDir:       t.TempDir(),
			OracleTimeout: time.Second,
			Detector:      defaultDetectorParams(),
		},
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

// storedVideo registers a finished recording and materializes decoded frames
// on disk so the scoring loop can read them.
func (h *batchHarness) storedVideo(t *testing.T, frameCount int) *entity.VideoArtifact {
	t.Helper()
	video := &entity.VideoArtifact{
		ID:         uuid.New(),
		StudyID:    uuid.New(),
		StorageKey: "videos/" + uuid.NewString(),
	}
	require.NoError(t, h.videos.CreateVideo(context.Background(), video))
	h.media.videoBytes = []byte("stored-video")

	dir := t.TempDir()
	frames := make([]port.DecodedFrame, frameCount)
	for i := range frames {
		path := filepath.Join(dir, fmt.Sprintf("frame_%04d.jpg", i))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("frame-%d", i)), 0o644))
		frames[i] = port.DecodedFrame{Path: path, Index: i, TimestampSec: float64(i) * 0.2}
	}
	h.decoder.result = &port.DecodeResult{
		Frames:      frames,
		DurationSec: float64(frameCount) * 0.2,
		Width:       640,
		Height:      480,
	}
	return video
}

func TestExtractVideoNotFound(t *testing.T) {
	h := newBatchHarness(t)
	_, err := h.svc.Extract(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, entity.ErrVideoNotFound)
}

func TestExtractPermissionDenied(t *testing.T) {
	h := newBatchHarness(t)
	video := h.storedVideo(t, 3)
	h.studies.owns = false

	_, err := h.svc.Extract(context.Background(), video.ID, uuid.New())
	assert.ErrorIs(t, err, entity.ErrPermissionDenied)
}

func TestExtractSelectsRunsAboveThreshold(t *testing.T) {
	h := newBatchHarness(t)
	video := h.storedVideo(t, 12)
	// Two runs: the first peaks at 0.97 and is selected, the second peaks at
	// 0.7 and is detected but filtered out.
	h.oracle.scores = []float64{
		0.9, 0.97, 0.92, // run one
		0.1, 0.1, 0.1,
		0.6, 0.7, 0.65, // run two, below the prediction threshold
		0.1, 0.1, 0.1,
	}

	res, err := h.svc.Extract(context.Background(), video.ID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, 12, res.FramesAnalyzed)
	assert.Equal(t, 2, res.RunsFound)
	assert.Equal(t, 1, res.RunsSelected)
	require.Len(t, res.Frames, 1)

	frame := res.Frames[0]
	assert.Equal(t, 1, frame.FrameIndex)
	assert.InDelta(t, 0.97, frame.Probability, 1e-9)
	assert.InDelta(t, 0.2, frame.TimestampSec, 1e-9)
	assert.Equal(t, 640, frame.Width)
	assert.Equal(t, video.ID, frame.VideoID)
	assert.NotEmpty(t, frame.StorageKey)

	// The full score array is cached for the next pass.
	assert.Len(t, h.frames.savedScores, 12)
	assert.Equal(t, "test-model-v1", h.frames.savedVersion)
}

func TestExtractReusesCachedScores(t *testing.T) {
	h := newBatchHarness(t)
	video := h.storedVideo(t, 6)
	h.frames.cachedOK = true
	h.frames.cached = []float64{0.9, 0.97, 0.92, 0.1, 0.1, 0.1}

	res, err := h.svc.Extract(context.Background(), video.ID, uuid.New())
	require.NoError(t, err)

	assert.Zero(t, h.oracle.calls, "cached scores skip the classifier entirely")
	require.Len(t, res.Frames, 1)
	assert.Equal(t, "cached-model", res.Frames[0].ModelVersion)
}

func TestExtractDedupsAlreadyExtractedPeak(t *testing.T) {
	h := newBatchHarness(t)
	video := h.storedVideo(t, 6)
	h.oracle.scores = []float64{0.9, 0.97, 0.92, 0.1, 0.1, 0.1}

	existing := &entity.ExtractedFrame{
		ID:           uuid.New(),
		VideoID:      video.ID,
		TimestampSec: 0.2, // same timestamp as the run peak
	}
	h.frames.byTimestamp[0.2] = existing

	res, err := h.svc.Extract(context.Background(), video.ID, uuid.New())
	require.NoError(t, err)

	require.Len(t, res.Frames, 1)
	assert.Equal(t, existing.ID, res.Frames[0].ID)
	assert.Zero(t, h.media.stillCount(), "no duplicate still uploaded")
	assert.Empty(t, h.frames.createdFrames())
}

func TestExtractClassifierOutageScoresZero(t *testing.T) {
	h := newBatchHarness(t)
	video := h.storedVideo(t, 5)
	h.oracle.err = errors.New("connection refused")

	res, err := h.svc.Extract(context.Background(), video.ID, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, res.RunsFound)
	assert.Empty(t, res.Frames)
}

func TestExecuteMalformedMessageGoesToDLQ(t *testing.T) {
	h := newBatchHarness(t)
	err := h.svc.Execute(context.Background(), []byte("not json"))
	require.NoError(t, err, "poison messages are acked after parking")
	require.Len(t, h.dlq.msgs, 1)
	assert.Equal(t, "malformed message", h.dlq.reasons[0])
}

func TestExecutePermanentFailureParksAndNotifies(t *testing.T) {
	h := newBatchHarness(t)
	msg, _ := json.Marshal(entity.VideoExtractMessage{
		VideoID:     uuid.New(), // unknown video
		DoctorID:    uuid.New(),
		DoctorEmail: "doctor@clinic.example",
	})

	err := h.svc.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.Len(t, h.dlq.msgs, 1)
	require.Len(t, h.notifier.emails, 1)
	assert.Equal(t, "doctor@clinic.example", h.notifier.emails[0])
}

func TestExecuteTransientFailureRequeues(t *testing.T) {
	h := newBatchHarness(t)
	video := h.storedVideo(t, 3)
	h.media.fetchErr = errors.New("storage unavailable")
	msg, _ := json.Marshal(entity.VideoExtractMessage{VideoID: video.ID, DoctorID: uuid.New()})

	err := h.svc.Execute(context.Background(), msg)
	assert.Error(t, err, "transient failures are returned for requeue")
	assert.Empty(t, h.dlq.msgs)
}

func TestExecuteSuccessPublishesStatus(t *testing.T) {
	h := newBatchHarness(t)
	video := h.storedVideo(t, 6)
	h.oracle.scores = []float64{0.9, 0.97, 0.92, 0.1, 0.1, 0.1}
	msg, _ := json.Marshal(entity.VideoExtractMessage{VideoID: video.ID, DoctorID: uuid.New()})

	require.NoError(t, h.svc.Execute(context.Background(), msg))

	msgs := h.publisher.published()
	require.Len(t, msgs, 1)
	var status entity.CaptureStatusMessage
	require.NoError(t, json.Unmarshal(msgs[0], &status))
	assert.Equal(t, "extracted", status.Status)
	assert.Equal(t, video.ID, status.VideoID)
	assert.Equal(t, 1, status.Extracted)
}

func TestRecordingRangeReadsStoredBytes(t *testing.T) {
	h := newBatchHarness(t)
	video := &entity.VideoArtifact{ID: uuid.New(), StudyID: uuid.New(), StorageKey: "videos/rec"}
	require.NoError(t, h.videos.CreateVideo(context.Background(), video))
	h.media.videoBytes = []byte("stored-video-bytes")

	data, err := h.svc.RecordingRange(context.Background(), video.ID, uuid.New(), 7, 11)
	require.NoError(t, err)
	assert.Equal(t, []byte("video"), data)
}

func TestRecordingRangeUnknownVideo(t *testing.T) {
	h := newBatchHarness(t)
	_, err := h.svc.RecordingRange(context.Background(), uuid.New(), uuid.New(), 0, 10)
	assert.ErrorIs(t, err, entity.ErrVideoNotFound)
}

func TestRecordingRangePermissionDenied(t *testing.T) {
	h := newBatchHarness(t)
	video := &entity.VideoArtifact{ID: uuid.New(), StudyID: uuid.New(), StorageKey: "videos/rec"}
	require.NoError(t, h.videos.CreateVideo(context.Background(), video))
	h.studies.owns = false

	_, err := h.svc.RecordingRange(context.Background(), video.ID, uuid.New(), 0, 10)
	assert.ErrorIs(t, err, entity.ErrPermissionDenied)
}
