//go:build integration
// +build integration

package integration

import (
	"net/http"
	"time"
)

// Record is a stored record as returned over HTTP
type Record map[string]any

// KeyResponse carries the key of an added or updated record
type KeyResponse struct {
	Key any `json:"key"`
}

// SnapshotResponse represents the response to a snapshot request
type SnapshotResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse represents the response to a snapshot status query
type StatusResponse struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Object    string    `json:"object,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Records   int       `json:"records,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	State    string `json:"state"`
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return "unexpected status " + http.StatusText(e.StatusCode) + ": " + e.Body
}
