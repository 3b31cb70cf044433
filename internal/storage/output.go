// Package storage routes command output to stdout, a local file or a GCS object.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	gcstorage "cloud.google.com/go/storage"

	"github.com/JakeFAU/app-usage-collector/internal/storage/gcs"
	"github.com/JakeFAU/app-usage-collector/internal/storage/local"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// TargetKind classifies an --output value.
type TargetKind int

// Target kinds.
const (
	TargetStdout TargetKind = iota
	TargetLocal
	TargetGCS
)

// Target is a parsed output destination.
type Target struct {
	Kind TargetKind
	// Bucket is set for GCS targets.
	Bucket string
	// Dir and Path split local targets; Path alone is the object name for GCS.
	Dir  string
	Path string
}

// ParseTarget interprets an output flag: empty or "-" is stdout,
// gs://bucket/object is GCS, anything else is a local file path.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == "-":
		return Target{Kind: TargetStdout}, nil
	case strings.HasPrefix(raw, "gs://"):
		bucket, object, ok := strings.Cut(strings.TrimPrefix(raw, "gs://"), "/")
		if !ok || bucket == "" || strings.TrimSpace(object) == "" {
			return Target{}, fmt.Errorf("invalid gcs output %q: want gs://bucket/object", raw)
		}
		return Target{Kind: TargetGCS, Bucket: bucket, Path: object}, nil
	default:
		abs, err := filepath.Abs(raw)
		if err != nil {
			return Target{}, fmt.Errorf("resolve output path: %w", err)
		}
		return Target{Kind: TargetLocal, Dir: filepath.Dir(abs), Path: filepath.Base(abs)}, nil
	}
}

// GCSOpener returns a blob store bound to bucket and a release func.
// metadata is attached to every object it writes.
type GCSOpener func(ctx context.Context, bucket string, metadata map[string]string) (BlobStore, func() error, error)

// Writer delivers rendered output to a Target.
type Writer struct {
	Stdout  io.Writer
	OpenGCS GCSOpener
	// Metadata labels uploaded objects, for example with the generating command.
	Metadata map[string]string
}

// NewWriter returns a Writer printing to stdout and using application
// default credentials for GCS.
func NewWriter(stdout io.Writer) *Writer {
	return &Writer{Stdout: stdout, OpenGCS: openGCS}
}

// Write stores body at the raw output target and returns where it went.
func (w *Writer) Write(ctx context.Context, raw, contentType string, body []byte) (string, error) {
	target, err := ParseTarget(raw)
	if err != nil {
		return "", err
	}
	switch target.Kind {
	case TargetLocal:
		store, err := local.New(local.Config{BaseDir: target.Dir})
		if err != nil {
			return "", fmt.Errorf("open output dir: %w", err)
		}
		return store.PutObject(ctx, target.Path, contentType, bytes.NewReader(body))
	case TargetGCS:
		if w.OpenGCS == nil {
			return "", fmt.Errorf("gcs output is not configured")
		}
		store, release, err := w.OpenGCS(ctx, target.Bucket, w.Metadata)
		if err != nil {
			return "", fmt.Errorf("open gcs bucket %s: %w", target.Bucket, err)
		}
		defer func() { _ = release() }()
		return store.PutObject(ctx, target.Path, contentType, bytes.NewReader(body))
	default:
		if _, err := w.Stdout.Write(body); err != nil {
			return "", fmt.Errorf("write stdout: %w", err)
		}
		return "stdout", nil
	}
}

func openGCS(ctx context.Context, bucket string, metadata map[string]string) (BlobStore, func() error, error) {
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := gcs.New(client, bucket, metadata)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client.Close, nil
}
