// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// Marshal encodes the report with four-space indentation.
func Marshal(r *Report) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

// Write stores the report at dest: a gs://bucket/object URL or a local
// path. credentialsFile is used for gs:// only; empty means application
// default credentials.
func Write(ctx context.Context, r *Report, dest, credentialsFile string) error {
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	if strings.HasPrefix(dest, gcsScheme) {
		bucket, object, err := ParseGCSPath(dest)
		if err != nil {
			return err
		}
		var opts []option.ClientOption
		if credentialsFile != "" {
			if _, err := os.Stat(credentialsFile); err != nil {
				return fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
			}
			opts = append(opts, option.WithCredentialsFile(credentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create GCS storage client: %w", err)
		}
		defer client.Close()
		return NewGCSWriter(client, bucket).WriteObject(ctx, object, data)
	}
	return WriteFile(dest, data)
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create report directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// ParseGCSPath splits gs://bucket/object.
func ParseGCSPath(dest string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(dest, gcsScheme)
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid GCS path %q, want gs://bucket/object", dest)
	}
	return bucket, object, nil
}

// GCSWriter uploads reports to one bucket.
type GCSWriter struct {
	client *storage.Client
	bucket string
}

// NewGCSWriter creates a writer for bucket.
func NewGCSWriter(client *storage.Client, bucket string) *GCSWriter {
	return &GCSWriter{client: client, bucket: bucket}
}

// WriteObject uploads data as object.
func (w *GCSWriter) WriteObject(ctx context.Context, object string, data []byte) error {
	writer := w.client.Bucket(w.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write GCS object gs://%s/%s: %w", w.bucket, object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for gs://%s/%s: %w", w.bucket, object, err)
	}
	return nil
}
