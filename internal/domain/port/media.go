package port

import "context"

// VideoSink is the exclusively-owned write handle of one capture session.
// Bytes are spooled locally; Commit uploads the (possibly repaired) file and
// returns its durable storage key. Abort discards the spool.
type VideoSink interface {
	Write(p []byte) (int, error)
	Close() error
	// Path is the local spool path, readable after Close for repair.
	Path() string
	// Commit uploads the file at path (defaults to the spool when path is
	// empty) and returns the object key of the stored recording.
	Commit(ctx context.Context, path string) (string, error)
	// Abort removes the spool without uploading anything.
	Abort() error
}

// MediaStore is the byte-addressable blob store for recordings and stills.
type MediaStore interface {
	CreateStill(ctx context.Context, data []byte, contentType string) (string, error)
	CreateVideoSink(ctx context.Context) (VideoSink, error)
	ReadRange(ctx context.Context, key string, start, end int64) ([]byte, error)
	FetchVideo(ctx context.Context, key string, destPath string) error
}
