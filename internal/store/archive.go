package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// ObjectStore is the subset of an object store the archive needs.
type ObjectStore interface {
	PutObject(ctx context.Context, name string, data []byte) error
	// GetObject returns (nil, false, nil) when the object does not exist.
	GetObject(ctx context.Context, name string) ([]byte, bool, error)
}

// ArchiveStore mirrors every artifact written to the primary store into an
// object store as JSON, and falls back to the archive on a primary miss.
// Archive write failures are logged and do not fail Put.
type ArchiveStore struct {
	primary Store
	objects ObjectStore
	logger  *zap.Logger
}

// NewArchiveStore wraps primary with an object-store mirror.
func NewArchiveStore(primary Store, objects ObjectStore, logger *zap.Logger) *ArchiveStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveStore{primary: primary, objects: objects, logger: logger.Named("archive")}
}

// ObjectName returns the object path used for key.
func ObjectName(key types.AnalysisKey) string {
	return fmt.Sprintf("artifacts/%s/%s.json", key.Kind, key.EntityID)
}

func (s *ArchiveStore) Get(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error) {
	a, err := s.primary.Get(ctx, key)
	if err != nil || a != nil {
		return a, err
	}

	data, found, err := s.objects.GetObject(ctx, ObjectName(key))
	if err != nil {
		s.logger.Warn("archive read failed", zap.String("key", key.String()), zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, nil
	}

	var restored types.Artifact
	if err := json.Unmarshal(data, &restored); err != nil {
		s.logger.Warn("archive object is not an artifact", zap.String("key", key.String()), zap.Error(err))
		return nil, nil
	}
	if restored.Key != key {
		return nil, nil
	}
	if err := s.primary.Put(ctx, &restored); err != nil {
		s.logger.Warn("backfill from archive failed", zap.String("key", key.String()), zap.Error(err))
	}
	return &restored, nil
}

func (s *ArchiveStore) Put(ctx context.Context, a *types.Artifact) error {
	if err := s.primary.Put(ctx, a); err != nil {
		return err
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", a.Key, err)
	}
	if err := s.objects.PutObject(ctx, ObjectName(a.Key), data); err != nil {
		s.logger.Warn("archive write failed", zap.String("key", a.Key.String()), zap.Error(err))
	}
	return nil
}

// ============================================================================
// MinIO
// ============================================================================

// MinioConfig describes the archive bucket.
type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioObjects is an ObjectStore backed by a MinIO / S3 bucket.
type MinioObjects struct {
	client *minio.Client
	bucket string
}

// NewMinioObjects connects to MinIO and creates the bucket if missing.
func NewMinioObjects(ctx context.Context, cfg MinioConfig) (*MinioObjects, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioObjects{client: cli, bucket: cfg.Bucket}, nil
}

func (m *MinioObjects) PutObject(ctx context.Context, name string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (m *MinioObjects) GetObject(ctx context.Context, name string) ([]byte, bool, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
