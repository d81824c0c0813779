// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs stores configuration shapes in a Google Cloud Storage bucket.
//
// A Client exposes one bucket prefix as a shape.Location and registers a
// "gcs" transport, so URIs such as configevo://app.json/gcs resolve to
// gs://<bucket>/<prefix>/app.json.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/configevo/pkg/evolution/shape"
)

// TransportName is the name the transport registers under.
const TransportName = "gcs"

// Config selects the bucket and credentials.
type Config struct {
	Bucket string

	// Prefix is prepended to every object name. Leading and trailing
	// slashes are ignored.
	Prefix string

	// CredentialsFile is a service account key. Empty means application
	// default credentials.
	CredentialsFile string
}

// objectStore is the slice of the bucket API a Location needs.
type objectStore interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

type bucketStore struct {
	bucket *storage.BucketHandle
}

func (b *bucketStore) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, mapNotExist(err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *bucketStore) Write(ctx context.Context, name string, data []byte) error {
	w := b.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *bucketStore) Delete(ctx context.Context, name string) error {
	return mapNotExist(b.bucket.Object(name).Delete(ctx))
}

func (b *bucketStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.bucket.Object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, err
	}
}

func mapNotExist(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}
	return err
}

// Location is a shape.Location over a bucket prefix.
type Location struct {
	store  objectStore
	bucket string
	prefix string
}

var _ shape.Location = (*Location)(nil)

func newLocation(store objectStore, bucket, prefix string) *Location {
	return &Location{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (l *Location) object(relpath string) string {
	return path.Join(l.prefix, relpath)
}

func (l *Location) TargetPath(relpath string) string {
	return "gs://" + l.bucket + "/" + l.object(relpath)
}

func (l *Location) Check(ctx context.Context, relpath string) (bool, error) {
	return l.store.Exists(ctx, l.object(relpath))
}

func (l *Location) Read(ctx context.Context, relpath string) ([]byte, error) {
	data, err := l.store.Read(ctx, l.object(relpath))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.TargetPath(relpath), err)
	}
	return data, nil
}

func (l *Location) Write(ctx context.Context, relpath string, data []byte) error {
	if err := l.store.Write(ctx, l.object(relpath), data); err != nil {
		return fmt.Errorf("write %s: %w", l.TargetPath(relpath), err)
	}
	return nil
}

// Remove deletes the object. It returns false, nil when there was nothing
// to delete.
func (l *Location) Remove(ctx context.Context, relpath string) (bool, error) {
	err := l.store.Delete(ctx, l.object(relpath))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("delete %s: %w", l.TargetPath(relpath), err)
	}
}

func (l *Location) String() string {
	return "gs://" + path.Join(l.bucket, l.prefix)
}

// Transport offers a single bucket location.
type Transport struct {
	loc *Location
}

var _ shape.Transport = (*Transport)(nil)

func (t *Transport) Name() string { return TransportName }

func (t *Transport) Candidates(context.Context, string) ([]shape.Location, error) {
	return []shape.Location{t.loc}, nil
}

func (t *Transport) Default() shape.Location { return t.loc }

// Client owns the storage client behind a Location.
type Client struct {
	storageClient *storage.Client
	loc           *Location
}

// NewClient connects to the bucket named in cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		info, err := os.Stat(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", cfg.CredentialsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	store := &bucketStore{bucket: storageClient.Bucket(cfg.Bucket)}
	return &Client{
		storageClient: storageClient,
		loc:           newLocation(store, cfg.Bucket, cfg.Prefix),
	}, nil
}

// Location returns the bucket prefix as a shape location.
func (c *Client) Location() *Location { return c.loc }

// Transport returns a transport that always offers Location.
func (c *Client) Transport() *Transport { return &Transport{loc: c.loc} }

// Register makes the client available as the "gcs" transport.
func (c *Client) Register() {
	shape.RegisterTransport(TransportName, func() shape.Transport { return c.Transport() })
}

func (c *Client) Close() error {
	return c.storageClient.Close()
}
