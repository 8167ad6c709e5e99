package storage

import (
	"context"
	"fmt"
)

// HealthChecker implements api.HealthChecker for the object store. The
// readiness probe cares about one thing: the bucket is reachable.
type HealthChecker struct {
	store *S3Store
}

// NewHealthChecker creates an object-store health checker.
func NewHealthChecker(store *S3Store) *HealthChecker {
	return &HealthChecker{store: store}
}

// HealthCheck verifies connectivity by checking that the bucket exists.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := h.store.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := h.store.client.BucketExists(ctx, h.store.bucket)
	if err != nil {
		return fmt.Errorf("object store bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %q does not exist", h.store.bucket)
	}
	return nil
}
