// Package artifact stores the workbook blob attached to each document in a
// MinIO (or S3-compatible) bucket, keyed by document id.
package artifact

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const workbookContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// MinioStore satisfies the engine's artifact interface (Put/Exists/Move).
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, docID string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(docID), body, size, minio.PutObjectOptions{
		ContentType: workbookContentType,
	})
	if err != nil {
		return fmt.Errorf("put workbook %s: %w", docID, err)
	}
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, docID string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey(docID), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat workbook %s: %w", docID, err)
	}
	return true, nil
}

// Move copies the blob to the new document id and removes the old object.
// MinIO has no server-side rename, so copy then delete.
func (s *MinioStore) Move(ctx context.Context, fromDocID, toDocID string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: objectKey(toDocID)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: objectKey(fromDocID)},
	)
	if err != nil {
		return fmt.Errorf("copy workbook %s to %s: %w", fromDocID, toDocID, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(fromDocID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove workbook %s: %w", fromDocID, err)
	}
	return nil
}

func objectKey(docID string) string {
	return "documents/" + docID + ".xlsx"
}
