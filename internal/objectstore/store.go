package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// OutputPrefix is the key namespace all build artifacts live under.
const OutputPrefix = "__outputs"

const fallbackContentType = "application/octet-stream"

// contentTypes pins the types for the extensions static builds actually emit,
// independent of the host's mime database.
var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".map":  "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".txt":  "text/plain",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".wasm": "application/wasm",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".ttf":  "font/ttf",
}

// ContentTypeFor infers a content type from the file extension, falling back
// to a generic octet-stream type when inference fails.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return fallbackContentType
}

// ArtifactKey builds the object key for one build-output file.
func ArtifactKey(scope, relPath string) string {
	return path.Join(OutputPrefix, scope, filepath.ToSlash(relPath))
}

// ScopePrefix returns the key prefix holding all artifacts for a scope.
func ScopePrefix(scope string) string {
	return path.Join(OutputPrefix, scope) + "/"
}

// Config carries object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Store uploads artifact files and manages artifact trees by key prefix.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects an object store client.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket cannot be empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// UploadFile stores one local file under the given key.
func (s *Store) UploadFile(ctx context.Context, key, filePath, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeFor(filePath)
	}
	_, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// CopyPrefix server-side copies every object under oldPrefix to the same
// relative key under newPrefix. The listing pages through arbitrarily many
// objects; a failure partway through leaves a partially copied tree for the
// caller to reconcile.
func (s *Store) CopyPrefix(ctx context.Context, oldPrefix, newPrefix string) error {
	oldPrefix = ensureSlash(oldPrefix)
	newPrefix = ensureSlash(newPrefix)

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    oldPrefix,
		Recursive: true,
	})
	copied := 0
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("list %s: %w", oldPrefix, object.Err)
		}
		newKey := newPrefix + strings.TrimPrefix(object.Key, oldPrefix)
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: newKey},
			minio.CopySrcOptions{Bucket: s.bucket, Object: object.Key},
		)
		if err != nil {
			return fmt.Errorf("copy %s to %s: %w", object.Key, newKey, err)
		}
		copied++
	}
	if s.logger != nil {
		s.logger.Info("prefix copied", "from", oldPrefix, "to", newPrefix, "objects", copied)
	}
	return nil
}

// DeletePrefix removes every object under the prefix using batched deletes.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = ensureSlash(prefix)

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	errCh := s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{})
	for removeErr := range errCh {
		if removeErr.Err != nil {
			return fmt.Errorf("delete %s: %w", removeErr.ObjectName, removeErr.Err)
		}
	}
	if s.logger != nil {
		s.logger.Info("prefix deleted", "prefix", prefix)
	}
	return nil
}

func ensureSlash(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}
