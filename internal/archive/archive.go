package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"coordination-core/internal/config"
	"coordination-core/internal/models"
)

// Uploader writes an object and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes purged terminal jobs as JSON lines to an object store.
type Archiver struct {
	uploader Uploader
	prefix   string
	now      func() time.Time
}

// New returns the archiver selected by cfg, or nil when archival is disabled.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch strings.ToLower(cfg.ArchiveDestination) {
	case "", "none":
		return nil, nil
	case "local":
		dir := cfg.ArchiveDir
		if dir == "" {
			dir = "./archive"
		}
		return NewArchiver(&LocalUploader{BaseDir: dir}), nil
	case "s3":
		if cfg.ArchiveS3Bucket == "" {
			return nil, errors.New("archive destination s3 requested but ARCHIVE_S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewArchiver(&S3Uploader{Client: client, Bucket: cfg.ArchiveS3Bucket}), nil
	}
	return nil, fmt.Errorf("unknown archive destination %q", cfg.ArchiveDestination)
}

// NewArchiver wraps an uploader.
func NewArchiver(u Uploader) *Archiver {
	return &Archiver{uploader: u, prefix: "jobs", now: time.Now}
}

// ArchiveJobs uploads jobs as one JSON-lines object keyed by date.
func (a *Archiver) ArchiveJobs(ctx context.Context, jobs []models.Job) (string, error) {
	if len(jobs) == 0 {
		return "", nil
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	for _, j := range jobs {
		if err := enc.Encode(j); err != nil {
			return "", fmt.Errorf("encode job %s: %w", j.ID, err)
		}
	}
	key := fmt.Sprintf("%s/%s/%s.jsonl", a.prefix, a.now().UTC().Format("2006/01/02"), uuid.New().String())
	loc, err := a.uploader.Upload(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	return loc, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

// LocalUploader writes objects under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into Bucket.
type S3Uploader struct {
	Client *s3.Client
	Bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}
