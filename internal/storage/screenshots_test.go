package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phaseforge/internal/config"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{Location: "https://bucket.s3.example.com/" + aws.ToString(in.Key)}, nil
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
}

func TestDataURLStore(t *testing.T) {
	url, err := DataURLStore{}.Put(context.Background(), "s1", []byte{0x89, 'P', 'N', 'G'}, "")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,iVBORw==", url)

	_, err = DataURLStore{}.Put(context.Background(), "s1", nil, "image/png")
	assert.ErrorIs(t, err, errEmptyImage)
}

func TestS3StorePut(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.StorageConfig
		session     string
		contentType string
		wantPrefix  string
		wantExt     string
	}{
		{
			name:        "location from uploader",
			cfg:         config.StorageConfig{Bucket: "shots"},
			session:     "s1",
			contentType: "image/png",
			wantPrefix:  "https://bucket.s3.example.com/screenshots/s1/20260304T050607Z-",
			wantExt:     ".png",
		},
		{
			name:        "public base url",
			cfg:         config.StorageConfig{Bucket: "shots", PublicBaseURL: "https://cdn.example.com/"},
			session:     "s1",
			contentType: "image/jpeg",
			wantPrefix:  "https://cdn.example.com/screenshots/s1/20260304T050607Z-",
			wantExt:     ".jpg",
		},
		{
			name:        "session cannot escape prefix",
			cfg:         config.StorageConfig{Bucket: "shots", PublicBaseURL: "https://cdn.example.com"},
			session:     "../a/b",
			contentType: "image/webp; q=1",
			wantPrefix:  "https://cdn.example.com/screenshots/__a_b/",
			wantExt:     ".webp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUploader{}
			s := newS3Store(up, tt.cfg, zap.NewNop())
			s.now = fixedClock

			url, err := s.Put(context.Background(), tt.session, []byte("img"), tt.contentType)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(url, tt.wantPrefix), url)
			assert.True(t, strings.HasSuffix(url, tt.wantExt), url)

			require.Len(t, up.inputs, 1)
			assert.Equal(t, "shots", aws.ToString(up.inputs[0].Bucket))
			assert.Equal(t, tt.contentType, aws.ToString(up.inputs[0].ContentType))
			assert.Equal(t, []byte("img"), up.bodies[0])
		})
	}
}

func TestS3StoreUploadError(t *testing.T) {
	s := newS3Store(&fakeUploader{err: errors.New("access denied")}, config.StorageConfig{Bucket: "shots"}, zap.NewNop())
	_, err := s.Put(context.Background(), "s1", []byte("img"), "image/png")
	assert.ErrorContains(t, err, "upload screenshot: access denied")

	_, err = s.Put(context.Background(), "s1", nil, "image/png")
	assert.ErrorIs(t, err, errEmptyImage)
}

func TestNewWithoutBucketUsesDataURLs(t *testing.T) {
	s, err := New(context.Background(), config.StorageConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, DataURLStore{}, s)
}
