package port

import "context"

// StatusPublisher emits capture/extraction status messages for downstream
// consumers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg []byte) error
}

// DLQPublisher parks poison extraction jobs.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg []byte, reason string) error
}

// FailureNotifier tells the clinician a batch extraction permanently failed.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, email string, videoID string, errorMsg string) error
}
