package common

import (
	"time"

	"github.com/TritonDataCenter/sharkspotter/common/backoff"
)

const (
	retryScanOperationInitialInterval = 500 * time.Millisecond
	retryScanOperationMaxInterval     = 8 * time.Second
	retryScanOperationMaxAttempts     = 5

	// DefaultPageRPS bounds how many pages per second a run may request from
	// the metadata tier across all of its shard accessors.
	DefaultPageRPS = 25
)

// CreateScanRetryPolicy creates the retry policy shard accessors wrap around
// every metadata store operation.
func CreateScanRetryPolicy() backoff.RetryPolicy {
	policy := backoff.NewExponentialRetryPolicy(retryScanOperationInitialInterval)
	policy.SetMaximumInterval(retryScanOperationMaxInterval)
	policy.SetMaximumAttempts(retryScanOperationMaxAttempts)

	return policy
}
