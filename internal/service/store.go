package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"path"
	"strings"

	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/storage"
)

// ObjectImageStore puts processed images into object storage and hands back
// their public URL.
type ObjectImageStore struct {
	storage storage.ObjectStorage
	prefix  string
}

// NewObjectImageStore creates a store writing under prefix.
func NewObjectImageStore(objectStorage storage.ObjectStorage, prefix string) *ObjectImageStore {
	return &ObjectImageStore{
		storage: objectStorage,
		prefix:  strings.Trim(prefix, "/"),
	}
}

// Store uploads data under key and returns its URL. An object already present
// under the key is reused, so a redelivered job yields the same locator.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - key: object key relative to the store prefix.
//   - data: JPEG bytes.
//
// Returns:
//   - string: public URL of the object.
//   - error: *domain.UploadError on failure.
func (s *ObjectImageStore) Store(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := key
	if s.prefix != "" {
		fullKey = path.Join(s.prefix, key)
	}

	exists, err := s.storage.Exists(ctx, fullKey)
	if err != nil {
		return "", &domain.UploadError{Key: fullKey, Err: err}
	}
	if exists {
		logger.CtxDebug(ctx, "Object already stored, skipping upload: key=%s", fullKey)
		return s.storage.GetURL(fullKey), nil
	}

	if err := s.storage.Upload(ctx, fullKey, bytes.NewReader(data), int64(len(data)), "image/jpeg"); err != nil {
		return "", &domain.UploadError{Key: fullKey, Err: err}
	}
	return s.storage.GetURL(fullKey), nil
}

// OutputKey derives the object key of a processed image from the job identity,
// so every delivery of the same job writes the same object.
func OutputKey(batchID, productName, inputURL string) string {
	sum := md5.Sum([]byte(productName + "\x00" + inputURL))
	return path.Join(batchID, hex.EncodeToString(sum[:])+".jpg")
}
