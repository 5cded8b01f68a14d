package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage on a Google Cloud Storage bucket
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
	ctx        context.Context
}

// NewGCSStorage creates a GCS storage instance.
// bucketName is the GCS bucket, baseDir an optional object prefix
// (e.g. "recordings").
func NewGCSStorage(ctx context.Context, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Verify the bucket is reachable before accepting writes
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    baseDir,
		ctx:        ctx,
	}, nil
}

// Write writes data to a GCS object
func (s *GCSStorage) Write(path string, data []byte) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	w := obj.NewWriter(s.ctx)
	w.ContentType = contentTypeFor(path)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Read reads data from a GCS object
func (s *GCSStorage) Read(path string) ([]byte, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	r, err := obj.NewReader(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return data, nil
}

// Delete deletes a GCS object
func (s *GCSStorage) Delete(path string) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	if err := obj.Delete(s.ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Exists checks if a GCS object exists
func (s *GCSStorage) Exists(path string) (bool, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	_, err := obj.Attrs(s.ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

// List lists objects directly under a prefix
func (s *GCSStorage) List(dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(s.ctx, &storage.Query{Prefix: prefix})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, prefix)
		if name != "" && !strings.HasSuffix(name, "/") {
			files = append(files, name)
		}
	}
	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) fullPath(path string) string {
	if s.baseDir == "" {
		return path
	}
	return s.baseDir + "/" + path
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".h264"), strings.HasSuffix(path, ".h265"):
		return "video/octet-stream"
	case strings.HasSuffix(path, ".aac"):
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}
