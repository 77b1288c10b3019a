package client

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx answer of the admin API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("admin api: %d %s", e.StatusCode, e.Message)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsUnknownTenant reports whether err says the tenant does not exist
func IsUnknownTenant(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsInvalidShard reports whether err rejects the shard index
func IsInvalidShard(err error) bool { return statusOf(err) == http.StatusBadRequest }

// IsUnroutable reports whether err says the key has no active shard
func IsUnroutable(err error) bool { return statusOf(err) == http.StatusConflict }

// IsUnauthorized reports whether the admin token was missing or wrong
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }
