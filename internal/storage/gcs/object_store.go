// Package gcs provides an ObjectStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// ObjectStore reads and writes objects in a configured GCS bucket. Object
// generations serve as versions, so conditional writes hold across processes.
type ObjectStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed object store.
func New(client *storage.Client, cfg Config) (*ObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Get downloads the object and returns its generation as version.
func (s *ObjectStore) Get(ctx context.Context, name string) ([]byte, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", fmt.Errorf("path is required")
	}
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, "", fmt.Errorf("get gs://%s/%s: %w", s.bucket, name, crawler.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("open reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	return data, strconv.FormatInt(reader.Attrs.Generation, 10), nil
}

// Put uploads data unconditionally. GCS uploads become visible only once complete.
func (s *ObjectStore) Put(ctx context.Context, name string, data []byte) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("path is required")
	}
	return s.write(ctx, s.client.Bucket(s.bucket).Object(name), name, data)
}

// PutIf uploads data with a generation precondition. An empty version
// requires that the object does not exist.
func (s *ObjectStore) PutIf(ctx context.Context, name string, data []byte, version string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("path is required")
	}
	cond, err := conditionsFor(version)
	if err != nil {
		return err
	}
	return s.write(ctx, s.client.Bucket(s.bucket).Object(name).If(cond), name, data)
}

func (s *ObjectStore) write(ctx context.Context, obj *storage.ObjectHandle, name string, data []byte) error {
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType(name)
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", mapPrecondition(err), closeErr)
		}
		return fmt.Errorf("write object: %w", mapPrecondition(err))
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for gs://%s/%s: %w", s.bucket, name, mapPrecondition(err))
	}
	return nil
}

func conditionsFor(version string) (storage.Conditions, error) {
	if version == "" {
		return storage.Conditions{DoesNotExist: true}, nil
	}
	gen, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return storage.Conditions{}, fmt.Errorf("invalid generation %q: %w", version, err)
	}
	return storage.Conditions{GenerationMatch: gen}, nil
}

// mapPrecondition turns a failed generation precondition into ErrVersionMismatch.
func mapPrecondition(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: %v", crawler.ErrVersionMismatch, err)
	}
	return err
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
