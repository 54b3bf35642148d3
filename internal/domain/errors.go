package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for count operations
var (
	// ErrRateLimited indicates the catalog API kept answering 429/503 after all retries
	ErrRateLimited = errors.New("catalog API rate limit exceeded")

	// ErrRemoteUnavailable indicates the catalog API could not be reached
	ErrRemoteUnavailable = errors.New("catalog API is unreachable")

	// ErrInvalidFilter indicates an empty or malformed category/substore filter
	ErrInvalidFilter = errors.New("categories and substores are required")

	// ErrStoreClosed indicates the count store has been closed
	ErrStoreClosed = errors.New("count store is closed")

	// ErrWorkerRunning indicates a refresh worker is already active
	ErrWorkerRunning = errors.New("refresh worker already running")
)

// APIError is a non-retryable response from the catalog API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("catalog API status %d", e.StatusCode)
	}
	return fmt.Sprintf("catalog API status %d: %s", e.StatusCode, e.Body)
}
