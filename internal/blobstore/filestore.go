package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/logging"
)

var (
	// ErrInvalidKey is returned for keys that are empty, absolute or escape the root.
	ErrInvalidKey = errors.New("invalid blob key")
	// ErrNotFound is returned when no blob exists under a key.
	ErrNotFound = errors.New("blob not found")
)

var plainOwnerID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// OwnerPrefix returns the key prefix reserved for ownerID. Plain IDs are used
// as is; anything else is hashed so distinct owners never share a prefix.
func OwnerPrefix(ownerID string) string {
	if plainOwnerID.MatchString(ownerID) {
		return ownerID + "/"
	}
	sum := sha256.Sum256([]byte(ownerID))
	return "~" + hex.EncodeToString(sum[:16]) + "/"
}

// OwnedBy reports whether key is a single object directly under the owner's prefix.
func OwnedBy(key, ownerID string) bool {
	name, ok := strings.CutPrefix(key, OwnerPrefix(ownerID))
	if !ok || name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// NewKey builds a fresh storage key under the owner's prefix.
func NewKey(ownerID, ext string) string {
	return fmt.Sprintf("%s%s%s", OwnerPrefix(ownerID), uuid.NewString(), ext)
}

// FileStore keeps photo bytes on the local filesystem under a root directory.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore creates root if needed.
func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, logging.NewOperationError("blobstore.init", root, err)
	}
	return &FileStore{root: root, logger: logger.Named("blob_store")}, nil
}

// Put writes data under key, replacing any existing blob.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return logging.NewOperationError("blobstore.put", key, err)
	}
	path, err := s.path(key)
	if err != nil {
		return logging.NewOperationError("blobstore.put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return logging.NewOperationError("blobstore.put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return logging.NewOperationError("blobstore.put", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return logging.NewOperationError("blobstore.put", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return logging.NewOperationError("blobstore.put", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return logging.NewOperationError("blobstore.put", key, err)
	}

	logging.WithOperation(s.logger, "blobstore.put", key).Debug("blob stored", zap.Int("bytes", len(data)))
	return nil
}

// Delete removes the blob under key. Missing blobs are not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return logging.NewOperationError("blobstore.delete", key, err)
	}
	path, err := s.path(key)
	if err != nil {
		return logging.NewOperationError("blobstore.delete", key, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return logging.NewOperationError("blobstore.delete", key, err)
	}
	return nil
}

// Open returns the local path of the blob under key.
func (s *FileStore) Open(key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", logging.NewOperationError("blobstore.open", key, err)
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
		return "", logging.NewOperationError("blobstore.open", key, ErrNotFound)
	}
	if err != nil {
		return "", logging.NewOperationError("blobstore.open", key, err)
	}
	return path, nil
}

func (s *FileStore) path(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" || filepath.IsAbs(key) {
		return "", ErrInvalidKey
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, clean), nil
}
