// Package storage keeps courier's large blobs in S3-compatible object
// storage: uploaded run data files and response bodies too big for their
// Postgres history row.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // stat, delete, bucket checks
	DefaultDataTimeout     = 60 * time.Second // get, put (data transfer)
)

// S3Config holds connection and timeout settings for S3 storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string // optional; MinIO ignores it, AWS S3 requires it

	// MetadataTimeout is the context timeout for metadata operations
	// (stat, delete). Defaults to 10s if zero.
	MetadataTimeout time.Duration

	// DataTimeout is the context timeout for data-transfer operations
	// (get, put). Defaults to 60s if zero.
	DataTimeout time.Duration
}

// S3Store reads and writes courier's blob objects. It satisfies
// proxy.OverflowStore, api.DataFileBlobStore and, combined with the
// Postgres catalog, runner.DataFileSource.
type S3Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// NewS3Store creates an S3Store connected to the given endpoint.
// It auto-creates the bucket if it doesn't exist.
func NewS3Store(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Store, error) {
	return NewS3StoreFromConfig(ctx, S3Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
		UseSSL:    useSSL,
	})
}

// NewS3StoreFromConfig creates an S3Store with explicit timeout
// configuration. The underlying HTTP transport carries its own dial and
// TLS timeouts; every S3 call additionally gets a per-operation context
// timeout.
func NewS3StoreFromConfig(ctx context.Context, cfg S3Config) (*S3Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	// ResponseHeaderTimeout bounds the wait for the server to start
	// replying, not the full download.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &S3Store{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *S3Store) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metadataTimeout)
}

func (s *S3Store) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dataTimeout)
}

// ensureBucket creates the bucket if it doesn't already exist.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// PutDataFileContent stores an uploaded data file's bytes under the
// team-scoped key for its catalog row.
func (s *S3Store) PutDataFileContent(ctx context.Context, teamID, fileID uuid.UUID, content []byte, contentType string) error {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	key := dataFileKey(teamID, fileID)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentTypeOrDefault(contentType)})
	if err != nil {
		return fmt.Errorf("put data file %s: %w", key, err)
	}
	return nil
}

// FetchDataFileContent reads a stored data file back for a run. A
// missing object is an error here: the catalog row said it exists.
func (s *S3Store) FetchDataFileContent(ctx context.Context, teamID, fileID uuid.UUID) ([]byte, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	key := dataFileKey(teamID, fileID)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get data file %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("data file object %s is missing", key)
		}
		return nil, fmt.Errorf("read data file %s: %w", key, err)
	}
	return data, nil
}

// DeleteDataFileContent removes a data file's stored bytes. S3 delete is
// idempotent, so deleting an already-gone object is not an error.
func (s *S3Store) DeleteDataFileContent(ctx context.Context, teamID, fileID uuid.UUID) error {
	return s.DeleteObject(ctx, dataFileKey(teamID, fileID))
}

// DeleteObject removes one object by its raw key. The reaper uses this
// to drop overflow bodies whose history rows were pruned.
func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}
