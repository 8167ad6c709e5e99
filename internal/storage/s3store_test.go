package storage_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/courier/internal/storage"
)

func TestS3Store_DataFileRoundTrip(t *testing.T) {
	store := testS3Store(t)
	ctx := context.Background()
	teamID := uuid.New()
	fileID := uuid.New()
	content := []byte("name,email\nalice,alice@example.com\n")

	require.NoError(t, store.PutDataFileContent(ctx, teamID, fileID, content, "text/csv"))

	got, err := store.FetchDataFileContent(ctx, teamID, fileID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestS3Store_FetchMissingDataFile_ReturnsError(t *testing.T) {
	store := testS3Store(t)
	ctx := context.Background()

	_, err := store.FetchDataFileContent(ctx, uuid.New(), uuid.New())
	assert.Error(t, err, "catalog said the object exists; a miss is a real fault")
}

func TestS3Store_DeleteDataFileContent_Idempotent(t *testing.T) {
	store := testS3Store(t)
	ctx := context.Background()
	teamID := uuid.New()
	fileID := uuid.New()

	require.NoError(t, store.PutDataFileContent(ctx, teamID, fileID, []byte("a,b\n1,2\n"), "text/csv"))
	require.NoError(t, store.DeleteDataFileContent(ctx, teamID, fileID))

	// Deleting again is not an error.
	assert.NoError(t, store.DeleteDataFileContent(ctx, teamID, fileID))

	_, err := store.FetchDataFileContent(ctx, teamID, fileID)
	assert.Error(t, err)
}

func TestS3Store_PutOverflowBody_ReturnsTeamScopedKey(t *testing.T) {
	store := testS3Store(t)
	ctx := context.Background()
	teamID := uuid.New()
	historyID := uuid.New()

	key, err := store.PutOverflowBody(ctx, teamID, historyID, []byte(`{"huge":"body"}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("teams/%s/overflow/%s", teamID, historyID), key)
}

func TestS3Store_DeleteObject_RemovesOverflowBody(t *testing.T) {
	store := testS3Store(t)
	ctx := context.Background()
	teamID := uuid.New()
	historyID := uuid.New()

	key, err := store.PutOverflowBody(ctx, teamID, historyID, []byte("payload"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, store.DeleteObject(ctx, key))
	assert.NoError(t, store.DeleteObject(ctx, key), "delete is idempotent")
}

func TestS3Store_OverwriteDataFile_KeepsLatest(t *testing.T) {
	store := testS3Store(t)
	ctx := context.Background()
	teamID := uuid.New()
	fileID := uuid.New()

	require.NoError(t, store.PutDataFileContent(ctx, teamID, fileID, []byte("v1"), "text/csv"))
	require.NoError(t, store.PutDataFileContent(ctx, teamID, fileID, []byte("v2"), "text/csv"))

	got, err := store.FetchDataFileContent(ctx, teamID, fileID)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestS3Config_DefaultTimeouts(t *testing.T) {
	assert.Equal(t, 10*time.Second, storage.DefaultMetadataTimeout)
	assert.Equal(t, 60*time.Second, storage.DefaultDataTimeout)
}

func TestS3Store_FromConfig_CustomTimeouts(t *testing.T) {
	store := testS3StoreFromConfig(t, storage.S3Config{
		MetadataTimeout: 5 * time.Second,
		DataTimeout:     30 * time.Second,
	})
	ctx := context.Background()
	teamID := uuid.New()
	fileID := uuid.New()

	require.NoError(t, store.PutDataFileContent(ctx, teamID, fileID, []byte("a,b\n1,2\n"), "text/csv"))
	got, err := store.FetchDataFileContent(ctx, teamID, fileID)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))
}

func TestS3Store_CancelledContext_ReturnsError(t *testing.T) {
	store := testS3Store(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.PutDataFileContent(ctx, uuid.New(), uuid.New(), []byte("nope"), "text/csv")
	assert.Error(t, err)
}

func TestHealthChecker_BucketReachable(t *testing.T) {
	store := testS3Store(t)

	checker := storage.NewHealthChecker(store)
	assert.NoError(t, checker.HealthCheck(context.Background()))
}
