// Package blobstore stages chunk payloads and archives completed files in a
// MinIO bucket. Chunks live under <transferID>/<chunkIndex>, completed files
// under files/<transferID>.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/casecall/internal/config"
)

type Store struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

// New connects to MinIO and ensures the bucket exists.
func New(ctx context.Context, cfg *config.MinIOConfig, log zerolog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errExists := client.BucketExists(ctx, cfg.Bucket)
		if errExists != nil || !exists {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "blobstore").Logger(),
	}, nil
}

func chunkKey(transferID string, index int) string {
	return transferID + "/" + strconv.Itoa(index)
}

func fileKey(transferID string) string {
	return "files/" + transferID
}

// PutChunk stages one chunk payload and returns its object key.
func (s *Store) PutChunk(ctx context.Context, transferID string, index int, data []byte) (string, error) {
	key := chunkKey(transferID, index)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to stage chunk %s: %w", key, err)
	}
	return key, nil
}

// GetChunk fetches a staged chunk payload by key.
func (s *Store) GetChunk(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}
	return data, nil
}

// PutFile archives a completed file payload.
func (s *Store) PutFile(ctx context.Context, transferID string, data []byte) error {
	key := fileKey(transferID)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to archive file %s: %w", key, err)
	}
	return nil
}

// GetFile fetches an archived file payload.
func (s *Store) GetFile(ctx context.Context, transferID string) ([]byte, error) {
	return s.GetChunk(ctx, fileKey(transferID))
}

// RemoveTransfer deletes every staged chunk of a transfer and its archived
// file, if present. Used after completion or cancellation.
func (s *Store) RemoveTransfer(ctx context.Context, transferID string, totalChunks int) error {
	for i := 0; i < totalChunks; i++ {
		key := chunkKey(transferID, i)
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to remove staged chunk")
		}
	}
	if err := s.client.RemoveObject(ctx, s.bucket, fileKey(transferID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove archived file for %s: %w", transferID, err)
	}
	return nil
}
