package icestore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSClient abstracts the parts of *storage.Client the uploader needs, so
// uploads can be tested against an in-memory bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context, meta ObjectMeta) GCSWriter
}

// GCSWriter abstracts a *storage.Writer. Close commits the object.
type GCSWriter interface {
	io.WriteCloser
}

// ObjectMeta is applied to an object before its first byte is written.
type ObjectMeta struct {
	ContentType string
	Metadata    map[string]string
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter wraps client. A nil client yields nil.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context, meta ObjectMeta) GCSWriter {
	w := a.handle.NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.Metadata = meta.Metadata
	return w
}
