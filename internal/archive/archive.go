// Package archive writes tasks removed by retention to durable storage
// before they are deleted.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"callbridge/internal/config"
	"callbridge/internal/errors"
	"callbridge/internal/models"
)

const contentType = "application/x-ndjson"

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver serializes tasks as newline-delimited JSON, one object per task.
type Archiver struct {
	up     uploader
	prefix string
	newID  func() string
}

// New picks S3 when ARCHIVE_S3_BUCKET is set, else ARCHIVE_DIR. It returns
// nil when neither is configured; a nil *Archiver is valid and archives nothing.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return newArchiver(&s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}), nil
	case cfg.ArchiveDir != "":
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal archives into files under dir.
func NewLocal(dir string) *Archiver {
	return newArchiver(&localUploader{baseDir: dir})
}

func newArchiver(up uploader) *Archiver {
	return &Archiver{up: up, prefix: "scheduled-calls", newID: uuid.NewString}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// record is the archived shape; the payload is kept as stored.
type record struct {
	ID          int64           `json:"id"`
	Service     models.Service  `json:"service"`
	Data        json.RawMessage `json:"data"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Status      models.Status   `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   *string         `json:"last_error,omitempty"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	UserID      *int64          `json:"user_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toRecord(t models.Task) (record, error) {
	r := record{
		ID:          t.ID,
		Service:     t.Service,
		ScheduledAt: t.ScheduledAt,
		Status:      t.Status,
		Priority:    t.Priority,
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		LastError:   t.LastError,
		ExecutedAt:  t.ExecutedAt,
		Result:      t.Result,
		UserID:      t.UserID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.Payload != nil {
		data, err := models.EncodePayload(t.Payload)
		if err != nil {
			return r, err
		}
		r.Data = data
	}
	return r, nil
}

// Archive writes tasks as one object and returns where it landed. An empty
// batch writes nothing.
func (a *Archiver) Archive(ctx context.Context, tasks []models.Task, at time.Time) (string, error) {
	if a == nil || len(tasks) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tasks {
		r, err := toRecord(t)
		if err != nil {
			return "", errors.Wrapf(err, "archive task %d", t.ID)
		}
		if err := enc.Encode(r); err != nil {
			return "", errors.Wrapf(err, "archive task %d", t.ID)
		}
	}
	key := a.objectKey(at)
	loc, err := a.up.Upload(ctx, key, buf.Bytes(), contentType)
	if err != nil {
		return "", errors.Wrapf(err, "upload %s", key)
	}
	return loc, nil
}

func (a *Archiver) objectKey(at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.ndjson", a.prefix, at.UTC().Format("2006/01/02"), a.newID())
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create dirs")
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", errors.Wrap(err, "write file")
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
