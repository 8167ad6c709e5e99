package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// PutOverflowBody stores a response body that exceeded the history
// table's inline cap and returns the object key it was written under.
// The key lands on the history row so the reaper can pair the object's
// lifetime with the row's.
func (s *S3Store) PutOverflowBody(ctx context.Context, teamID, historyID uuid.UUID, body []byte, contentType string) (string, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	key := overflowKey(teamID, historyID)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentTypeOrDefault(contentType)})
	if err != nil {
		return "", fmt.Errorf("put overflow body %s: %w", key, err)
	}
	return key, nil
}
