package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ContentTypePacketBatch is the media type of archived batch objects
const ContentTypePacketBatch = "application/vnd.edgestream.packets"

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
}

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "archive")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Verify bucket exists
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s in project %s: %w", bucketName, projectID, err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
	}, nil
}

func (s *GCSStorage) object(p string) (*storage.ObjectHandle, error) {
	objectPath, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucketName).Object(objectPath), nil
}

// Write writes data to GCS
func (s *GCSStorage) Write(ctx context.Context, p string, data []byte) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = contentType(p)
	// archived batches are immutable once written
	w.CacheControl = "public, max-age=3600"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return nil
}

// Read reads data from GCS
func (s *GCSStorage) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := s.object(p)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
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

// Delete deletes a file from GCS
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}

	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}

	return nil
}

// Exists checks if a file exists in GCS
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	obj, err := s.object(p)
	if err != nil {
		return false, err
	}

	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}

	return true, nil
}

// List lists objects directly under dir in GCS
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix, err := s.fullPath(dir)
	if err != nil {
		return nil, err
	}
	prefix += "/"

	query := &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("failed to build GCS query: %w", err)
	}

	it := s.client.Bucket(s.bucketName).Objects(ctx, query)

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// synthetic prefix entries have no name
		name := strings.TrimPrefix(attrs.Name, prefix)
		if name != "" && !strings.HasSuffix(name, "/") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) fullPath(p string) (string, error) {
	cleaned, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if s.baseDir == "" {
		return cleaned, nil
	}
	return s.baseDir + "/" + cleaned, nil
}

func contentType(p string) string {
	if strings.HasSuffix(p, ".qsp") {
		return ContentTypePacketBatch
	}
	return "application/octet-stream"
}
