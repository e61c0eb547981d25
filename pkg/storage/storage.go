package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaStore persists emergency media captured during an SOS
type MediaStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

type Config struct {
	// minio | cos | memory | none
	Driver string `env:"MEDIA_DRIVER"`
	Minio  MinioConfig
	COS    COSConfig
}

// NewMediaStore returns nil for driver "none", media upload is then unavailable
func NewMediaStore(cfg Config) (MediaStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "minio":
		return NewMinioStore(cfg.Minio)
	case "cos":
		return NewCOSStore(cfg.COS)
	case "memory":
		return NewMemoryStore(), nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported media driver: %s", cfg.Driver)
	}
}

// MediaKey builds the object key for an upload owned by user
func MediaKey(user, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	day := time.Now().UTC().Format("20060102")
	return fmt.Sprintf("sos/%s/%s/%s%s", user, day, uuid.NewString(), ext)
}

// OwnedBy reports whether key was issued by MediaKey for user
func OwnedBy(key, user string) bool {
	return user != "" && strings.HasPrefix(key, "sos/"+user+"/") && !strings.Contains(key, "..")
}
