package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
)

type fakeOracle struct {
	mu      sync.Mutex
	scores  []float64
	next    int
	version string
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeOracle) Predict(ctx context.Context, frame []byte) (port.Prediction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return port.Prediction{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return port.Prediction{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	score := 0.0
	if len(f.scores) > 0 {
		i := f.next
		if i >= len(f.scores) {
			i = len(f.scores) - 1
		}
		score = f.scores[i]
		f.next++
	}
	version := f.version
	if version == "" {
		version = "test-model-v1"
	}
	return port.Prediction{Probability: score, ModelVersion: version}, nil
}

type fakeSink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	closed    bool
	committed string // path passed to Commit
	commits   int
	aborted   bool
	key       string
	commitErr error
}

func (f *fakeSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("sink closed")
	}
	return f.buf.Write(p)
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) Path() string { return "/tmp/fake-spool.mp4" }

func (f *fakeSink) Commit(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.commits++
	if f.commits > 1 {
		// The real sink deletes the spool on commit, so a second commit can
		// only fail.
		return "", errors.New("open " + f.Path() + ": no such file or directory")
	}
	f.committed = path
	if f.key == "" {
		f.key = "videos/" + uuid.NewString()
	}
	return f.key, nil
}

func (f *fakeSink) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

func (f *fakeSink) bytesWritten() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Len()
}

type fakeMedia struct {
	mu         sync.Mutex
	sinks      []*fakeSink
	stills     map[string][]byte
	videoBytes []byte // served by FetchVideo
	fetchErr   error
	stillErr   error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{stills: make(map[string][]byte)}
}

func (f *fakeMedia) CreateStill(ctx context.Context, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stillErr != nil {
		return "", f.stillErr
	}
	key := fmt.Sprintf("stills/%d.jpg", len(f.stills))
	cp := make([]byte, len(data))
	copy(cp, data)
	f.stills[key] = cp
	return key, nil
}

func (f *fakeMedia) CreateVideoSink(ctx context.Context) (port.VideoSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSink{}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *fakeMedia) ReadRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if start < 0 || start > end || end >= int64(len(f.videoBytes)) {
		return nil, fmt.Errorf("range %d-%d out of bounds", start, end)
	}
	return append([]byte(nil), f.videoBytes[start:end+1]...), nil
}

func (f *fakeMedia) FetchVideo(ctx context.Context, key string, destPath string) error {
	if f.fetchErr != nil {
		return f.fetchErr
	}
	return os.WriteFile(destPath, f.videoBytes, 0o644)
}

func (f *fakeMedia) stillCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stills)
}

type fakeStudies struct {
	owns    bool
	ownsErr error
	used    int64
	usedErr error
}

func (f *fakeStudies) DoctorOwnsStudy(ctx context.Context, studyID, doctorID uuid.UUID) (bool, error) {
	return f.owns, f.ownsErr
}

func (f *fakeStudies) StorageUsed(ctx context.Context, doctorID uuid.UUID) (int64, error) {
	return f.used, f.usedErr
}

type fakeFrames struct {
	mu           sync.Mutex
	created      []*entity.ExtractedFrame
	byTimestamp  map[float64]*entity.ExtractedFrame
	savedScores  []float64
	savedVersion string
	cached       []float64
	cachedOK     bool
	createErr    error
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{byTimestamp: make(map[float64]*entity.ExtractedFrame)}
}

func (f *fakeFrames) CreateFrame(ctx context.Context, frame *entity.ExtractedFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, frame)
	return nil
}

func (f *fakeFrames) FindByTimestamp(ctx context.Context, videoID uuid.UUID, timestampSec float64) (*entity.ExtractedFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byTimestamp[timestampSec], nil
}

func (f *fakeFrames) ListByVideo(ctx context.Context, videoID uuid.UUID) ([]*entity.ExtractedFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.ExtractedFrame
	for _, fr := range f.created {
		if fr.VideoID == videoID {
			out = append(out, fr)
		}
	}
	return out, nil
}

func (f *fakeFrames) SaveScores(ctx context.Context, videoID uuid.UUID, scores []float64, modelVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedScores = append([]float64(nil), scores...)
	f.savedVersion = modelVersion
	return nil
}

func (f *fakeFrames) CachedScores(ctx context.Context, videoID uuid.UUID, frameCount int) ([]float64, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cachedOK || len(f.cached) != frameCount {
		return nil, "", false, nil
	}
	return append([]float64(nil), f.cached...), "cached-model", true, nil
}

func (f *fakeFrames) createdFrames() []*entity.ExtractedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*entity.ExtractedFrame(nil), f.created...)
}

type fakeVideos struct {
	mu        sync.Mutex
	videos    map[uuid.UUID]*entity.VideoArtifact
	created   int
	createErr error // consumed by the next CreateVideo call
}

func newFakeVideos() *fakeVideos {
	return &fakeVideos{videos: make(map[uuid.UUID]*entity.VideoArtifact)}
}

func (f *fakeVideos) CreateVideo(ctx context.Context, video *entity.VideoArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	f.videos[video.ID] = video
	f.created++
	return nil
}

func (f *fakeVideos) FindVideo(ctx context.Context, videoID uuid.UUID) (*entity.VideoArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videos[videoID], nil
}

type fakeRepairer struct {
	method port.RepairMethod
	err    error
	calls  int
}

func (f *fakeRepairer) Repair(ctx context.Context, srcPath, dstPath string) (port.RepairMethod, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.method == "" {
		return port.RepairRemux, nil
	}
	return f.method, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakePublisher) PublishStatus(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) published() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.msgs...)
}

type fakeDLQ struct {
	mu      sync.Mutex
	msgs    [][]byte
	reasons []string
}

func (f *fakeDLQ) PublishToDLQ(ctx context.Context, msg []byte, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	emails []string
}

func (f *fakeNotifier) NotifyFailure(ctx context.Context, email, videoID, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, email)
	return nil
}

type fakeDecoder struct {
	result *port.DecodeResult
	err    error
}

func (f *fakeDecoder) DecodeFrames(ctx context.Context, videoPath, outputDir string) (*port.DecodeResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
