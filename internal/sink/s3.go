package sink

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lapse/internal/config"
	"lapse/internal/fsutil"
)

// S3 mirrors frames into an S3 compatible bucket.
type S3 struct {
	client  *minio.Client
	bucket  string
	prefix  string
	quality int
}

// NewS3Client builds a MinIO client from the sink config.
func NewS3Client(cfg config.S3Sink) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// NewS3 wraps an existing client. prefix is prepended to all keys.
func NewS3(client *minio.Client, bucket, prefix string, quality int) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), quality: quality}
}

// EnsureBucket creates the bucket when it does not exist.
func (s *S3) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *S3) Put(ctx context.Context, name string, img image.Image) (string, error) {
	name = fsutil.OutputName(filepath.Base(name))
	var buf bytes.Buffer
	ext := filepath.Ext(name)
	if err := fsutil.Encode(&buf, img, ext, s.quality); err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	key := s.key(name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: fsutil.ContentType(ext),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3) Sub(name string) Sink {
	return &S3{client: s.client, bucket: s.bucket, prefix: s.key(name), quality: s.quality}
}

func (s *S3) Location() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

// List returns the object names directly under the sink prefix.
func (s *S3) List(ctx context.Context) ([]string, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name != "" && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
