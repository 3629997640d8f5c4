package storage

import (
	"fmt"
	"strings"

	"github.com/timmy/imgbatch/internal/config"
)

// NewStorage builds the object storage described by cfg.
// Parameters:
//   - cfg: storage section of the application config.
// Returns:
//   - ObjectStorage: initialized storage client.
//   - error: non-nil if the type is unknown or the client cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	storeType := StorageType(strings.ToLower(cfg.Type))
	if storeType == "" {
		storeType = detectStorageType(cfg.Endpoint)
	}

	switch storeType {
	case StorageTypeS3, StorageTypeR2, StorageTypeS3Compatible, StorageTypeMinIO:
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	return NewS3Storage(&S3Config{
		Type:      storeType,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
}

func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
