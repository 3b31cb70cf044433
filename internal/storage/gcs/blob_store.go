// Package gcs uploads command results to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/app-usage-collector/internal/hash/sha256"
)

// Result outputs are rewritten on every run; readers must not serve stale copies.
const resultCacheControl = "no-cache"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Uploader writes result objects to one bucket.
type Uploader struct {
	client   *storage.Client
	bucket   string
	metadata map[string]string
}

// New creates an Uploader. metadata is attached to every object written,
// for example the generating command.
func New(client *storage.Client, bucket string, metadata map[string]string) (*Uploader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Uploader{client: client, bucket: bucket, metadata: metadata}, nil
}

// PutObject uploads the whole body in a single request with a CRC32C check
// and returns the gs:// URI.
func (u *Uploader) PutObject(ctx context.Context, object string, contentType string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}
	attrs, err := objectAttrs(object, contentType, body, u.metadata)
	if err != nil {
		return "", err
	}

	w := u.client.Bucket(u.bucket).Object(attrs.Name).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.CacheControl = attrs.CacheControl
	w.Metadata = attrs.Metadata
	w.CRC32C = attrs.CRC32C
	w.SendCRC32C = true
	w.ChunkSize = 0
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", attrs.Name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", attrs.Name, err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, attrs.Name), nil
}

// objectAttrs derives the stored attributes of a result object.
func objectAttrs(object, contentType string, body []byte, metadata map[string]string) (storage.ObjectAttrs, error) {
	name := strings.TrimLeft(strings.TrimSpace(object), "/")
	if name == "" || strings.HasSuffix(name, "/") {
		return storage.ObjectAttrs{}, fmt.Errorf("invalid object name %q", object)
	}
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["sha256"] = sha256.New().Hash(body)
	return storage.ObjectAttrs{
		Name:         name,
		ContentType:  contentType,
		CacheControl: resultCacheControl,
		CRC32C:       crc32.Checksum(body, castagnoli),
		Metadata:     md,
	}, nil
}
