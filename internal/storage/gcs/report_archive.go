// Package gcs archives generated reports in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Config captures the bucket and optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// ReportArchive writes report documents to a GCS bucket.
type ReportArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ audit.ReportArchive = (*ReportArchive)(nil)

// New creates a GCS-backed report archive.
func New(client *storage.Client, cfg Config) (*ReportArchive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, &audit.ConfigError{Key: "storage.gcs_bucket"}
	}
	return &ReportArchive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object key p is stored under.
func (a *ReportArchive) ObjectName(p string) string {
	if a.prefix == "" {
		return strings.TrimLeft(p, "/")
	}
	return path.Join(a.prefix, p)
}

// PutObject uploads r and returns a gs:// URI.
func (a *ReportArchive) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	name := a.ObjectName(p)
	writer := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, name), nil
}
