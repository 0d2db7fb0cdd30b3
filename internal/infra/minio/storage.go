package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
)

type Storage struct {
	client      *miniogo.Client
	videoBucket string
	stillBucket string
	spoolDir    string
}

type StorageConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	VideoBucket string
	StillBucket string
	SpoolDir    string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	return &Storage{
		client:      client,
		videoBucket: cfg.VideoBucket,
		stillBucket: cfg.StillBucket,
		spoolDir:    cfg.SpoolDir,
	}, nil
}

func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.videoBucket, s.stillBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *Storage) CreateStill(ctx context.Context, data []byte, contentType string) (string, error) {
	key := "stills/" + uuid.NewString() + ".jpg"
	_, err := s.client.PutObject(ctx, s.stillBucket, key,
		bytes.NewReader(data), int64(len(data)),
		miniogo.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", fmt.Errorf("upload still: %w", err)
	}
	return key, nil
}

// CreateVideoSink spools the session's bytes to local disk. The recording is
// uploaded once, at Commit, after the repair ladder has had a readable file
// to work on.
func (s *Storage) CreateVideoSink(ctx context.Context) (port.VideoSink, error) {
	spoolPath := filepath.Join(s.spoolDir, "capture-"+uuid.NewString()+".stream")
	f, err := os.Create(spoolPath)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &videoSink{storage: s, file: f, spoolPath: spoolPath}, nil
}

func (s *Storage) ReadRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	opts := miniogo.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, fmt.Errorf("set range: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.videoBucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("get object range: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object range: %w", err)
	}
	return data, nil
}

func (s *Storage) FetchVideo(ctx context.Context, key string, destPath string) error {
	return s.client.FGetObject(ctx, s.videoBucket, key, destPath, miniogo.GetObjectOptions{})
}

type videoSink struct {
	storage   *Storage
	file      *os.File
	spoolPath string
	closed    bool
}

func (v *videoSink) Write(p []byte) (int, error) {
	return v.file.Write(p)
}

func (v *videoSink) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	return v.file.Close()
}

func (v *videoSink) Path() string { return v.spoolPath }

func (v *videoSink) Commit(ctx context.Context, path string) (string, error) {
	if path == "" {
		path = v.spoolPath
	}
	key := "videos/" + uuid.NewString() + ".mp4"
	_, err := v.storage.client.FPutObject(ctx, v.storage.videoBucket, key, path,
		miniogo.PutObjectOptions{ContentType: "video/mp4"},
	)
	if err != nil {
		return "", fmt.Errorf("upload video: %w", err)
	}

	// Spool files are transient; the object store copy is authoritative now.
	os.Remove(v.spoolPath)
	if path != v.spoolPath {
		os.Remove(path)
	}
	return key, nil
}

func (v *videoSink) Abort() error {
	_ = v.Close()
	return os.Remove(v.spoolPath)
}
