// Package storage keeps preview screenshots somewhere a vision model can
// fetch them.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseforge/internal/config"
	"phaseforge/internal/logging"
)

// ScreenshotStore persists one image and returns a URL for it.
type ScreenshotStore interface {
	Put(ctx context.Context, sessionID string, image []byte, contentType string) (string, error)
}

var errEmptyImage = errors.New("screenshot is empty")

// New returns an S3 store when a bucket is configured, otherwise inline data
// URLs.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (ScreenshotStore, error) {
	if cfg.Bucket == "" {
		logging.OrNamed(logger, "storage").Info("no screenshot bucket configured, using data URLs")
		return DataURLStore{}, nil
	}
	return NewS3Store(ctx, cfg, logger)
}

// DataURLStore embeds the image in the returned URL.
type DataURLStore struct{}

func (DataURLStore) Put(_ context.Context, _ string, image []byte, contentType string) (string, error) {
	if len(image) == 0 {
		return "", errEmptyImage
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image), nil
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads screenshots to an S3-compatible bucket.
type S3Store struct {
	uploader      uploader
	bucket        string
	publicBaseURL string
	now           func() time.Time
	log           *zap.Logger
}

// NewS3Store builds the client from cfg. Static credentials are used when an
// access key is set; otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(manager.NewUploader(client), cfg, logger), nil
}

func newS3Store(u uploader, cfg config.StorageConfig, logger *zap.Logger) *S3Store {
	return &S3Store{
		uploader:      u,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		now:           time.Now,
		log:           logging.OrNamed(logger, "storage"),
	}
}

// Put uploads the image under screenshots/<session>/.
func (s *S3Store) Put(ctx context.Context, sessionID string, image []byte, contentType string) (string, error) {
	if len(image) == 0 {
		return "", errEmptyImage
	}
	if contentType == "" {
		contentType = "image/png"
	}
	key := s.key(sessionID, contentType)

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(image),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=86400"),
	})
	if err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}

	url := out.Location
	if s.publicBaseURL != "" {
		url = s.publicBaseURL + "/" + key
	}
	s.log.Debug("screenshot uploaded",
		zap.String("session_id", sessionID),
		zap.String("key", key),
		zap.Int("bytes", len(image)))
	return url, nil
}

func (s *S3Store) key(sessionID, contentType string) string {
	session := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(sessionID)
	if session == "" {
		session = "anonymous"
	}
	return fmt.Sprintf("screenshots/%s/%s-%s.%s",
		session, s.now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8], extension(contentType))
}

func extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "image/png":
		return "png"
	default:
		return "bin"
	}
}
