package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates an archive store from the environment.
//
//   - ARCHIVE_STORAGE_TYPE: "fs" (default), "s3" or "gcs"
//   - fs: segments go to <dataDir>/archive
//   - s3: ARCHIVE_S3_BUCKET (required), ARCHIVE_S3_REGION or AWS_REGION,
//     ARCHIVE_S3_ENDPOINT, ARCHIVE_S3_PREFIX
//   - gcs: ARCHIVE_GCS_BUCKET (required), ARCHIVE_GCS_PREFIX; needs -tags gcp
func NewStoreFromEnv(ctx context.Context, dataDir string) (Store, error) {
	storeType := StoreType(os.Getenv("ARCHIVE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "archive"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
	})
}
