package media

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quillnote-app/quillnote-back/internal/config"
)

const (
	imagePrefix = "images/"
	audioPrefix = "audio/"
)

// Store uploads and removes note media in an S3-compatible bucket. Object keys
// are generated here and returned to the caller so records can persist the key
// next to the public URL.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
	logger    *zap.SugaredLogger
}

func NewMinioClient(cfg *config.Config) (*minio.Client, error) {
	client, err := minio.New(cfg.StorageEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.StorageAccessKey, cfg.StorageSecretKey, ""),
		Secure: cfg.StorageUseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect storage")
	}

	exists, err := client.BucketExists(context.Background(), cfg.StorageBucket)
	if err != nil {
		return nil, errors.Wrap(err, "check bucket")
	}
	if !exists {
		return nil, errors.Errorf("bucket does not exist: %s", cfg.StorageBucket)
	}

	return client, nil
}

func NewStore(client *minio.Client, cfg *config.Config, logger *zap.SugaredLogger) *Store {
	return &Store{
		client:    client,
		bucket:    cfg.StorageBucket,
		publicURL: strings.TrimRight(cfg.StoragePublicURL, "/"),
		logger:    logger,
	}
}

func (s *Store) UploadImage(ctx context.Context, filename, contentType string, r io.Reader, size int64) (string, string, error) {
	key := imagePrefix + uuid.New().String() + filepath.Ext(filename)
	return s.upload(ctx, key, contentType, r, size)
}

func (s *Store) UploadAudio(ctx context.Context, filename, contentType string, r io.Reader, size int64) (string, string, error) {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".webm"
	}
	key := audioPrefix + uuid.New().String() + ext
	return s.upload(ctx, key, contentType, r, size)
}

func (s *Store) upload(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "max-age=3600",
	})
	if err != nil {
		return "", "", errors.Wrapf(err, "put object %s", key)
	}
	return s.publicURL + "/" + s.bucket + "/" + key, key, nil
}

// Remove deletes one object by key. Callers treat failures as non-fatal, so the
// error is logged here as well before being returned.
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		s.logger.Errorw("failed to remove storage object", "key", key, "error", err)
		return errors.Wrapf(err, "remove object %s", key)
	}
	return nil
}
