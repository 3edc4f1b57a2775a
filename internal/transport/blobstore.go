package transport

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// chunkUploadExpiry and chunkDownloadExpiry bound presigned URL validity
// for the fallback HTTPS chunk upload/download surface, matching the
// teacher's media-service windows (15 min upload, 1 hour download).
const (
	chunkUploadExpiry   = 15 * time.Minute
	chunkDownloadExpiry = 1 * time.Hour
)

// BlobStore persists already-AEAD-sealed file chunks in object storage;
// the server never receives, stores, or presigns plaintext, per spec §6:
// "server stores chunks and metadata but never plaintext."
type BlobStore struct {
	client *minio.Client
	bucket string
}

// NewBlobStore connects to a MinIO-compatible endpoint and ensures bucket
// exists, creating it if necessary.
func NewBlobStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*BlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "transport.NewBlobStore", "minio client init failed", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "transport.NewBlobStore", "bucket existence check failed", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errs.Wrap(errs.TransportError, "transport.NewBlobStore", "bucket creation failed", err)
		}
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

func chunkObjectName(fileID string, chunkIndex int) string {
	return fmt.Sprintf("files/%s/chunks/%d", fileID, chunkIndex)
}

// PutChunk stores one already-sealed FILE_CHUNK envelope, serialized whole
// (the server persists the envelope as opaque bytes; it never reassembles
// or decrypts).
func (b *BlobStore) PutChunk(ctx context.Context, fileID string, chunkIndex int, sealed []byte) error {
	_, err := b.client.PutObject(
		ctx,
		b.bucket,
		chunkObjectName(fileID, chunkIndex),
		bytes.NewReader(sealed),
		int64(len(sealed)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return errs.Wrap(errs.TransportError, "transport.BlobStore.PutChunk", "object put failed", err)
	}
	return nil
}

// PresignedUploadURL returns a presigned PUT URL a client can upload
// chunk chunkIndex of fileID to directly, bypassing the relay.
func (b *BlobStore) PresignedUploadURL(ctx context.Context, fileID string, chunkIndex int) (string, error) {
	u, err := b.client.PresignedPutObject(ctx, b.bucket, chunkObjectName(fileID, chunkIndex), chunkUploadExpiry)
	if err != nil {
		return "", errs.Wrap(errs.TransportError, "transport.BlobStore.PresignedUploadURL", "presign failed", err)
	}
	return u.String(), nil
}

// PresignedDownloadURL returns a presigned GET URL a client can download
// chunk chunkIndex of fileID from directly.
func (b *BlobStore) PresignedDownloadURL(ctx context.Context, fileID string, chunkIndex int) (string, error) {
	u, err := b.client.PresignedGetObject(ctx, b.bucket, chunkObjectName(fileID, chunkIndex), chunkDownloadExpiry, nil)
	if err != nil {
		return "", errs.Wrap(errs.TransportError, "transport.BlobStore.PresignedDownloadURL", "presign failed", err)
	}
	return u.String(), nil
}

// GetChunk downloads chunk chunkIndex of fileID's raw sealed bytes.
func (b *BlobStore) GetChunk(ctx context.Context, fileID string, chunkIndex int) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, chunkObjectName(fileID, chunkIndex), minio.GetObjectOptions{})
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "transport.BlobStore.GetChunk", "object get failed", err)
	}
	defer func() { _ = obj.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, errs.Wrap(errs.TransportError, "transport.BlobStore.GetChunk", "object read failed", err)
	}
	return buf.Bytes(), nil
}

// DeleteFile removes all totalChunks of fileID from storage.
func (b *BlobStore) DeleteFile(ctx context.Context, fileID string, totalChunks int) error {
	for i := 0; i < totalChunks; i++ {
		err := b.client.RemoveObject(ctx, b.bucket, chunkObjectName(fileID, i), minio.RemoveObjectOptions{})
		if err != nil {
			return errs.Wrap(errs.TransportError, "transport.BlobStore.DeleteFile", "object remove failed", err)
		}
	}
	return nil
}
