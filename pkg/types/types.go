package types

import "time"

// Record is an arbitrary set of fields. The store only looks at the key
// field and indexed fields.
type Record map[string]any

// Key identifies a record within a table: int64, float64 or string.
type Key = any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// AddResponse represents the response to an insert
type AddResponse struct {
	Key Key `json:"key"`
}

// SchemaResponse describes the live connection
type SchemaResponse struct {
	DatabaseName string      `json:"database_name"`
	Version      int         `json:"version"`
	Tables       []TableSpec `json:"tables"`
}

// JobStatus represents the status of a snapshot job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// JobKind distinguishes snapshot exports from restores
type JobKind string

const (
	KindSnapshot JobKind = "snapshot"
	KindRestore  JobKind = "restore"
)

// RestoreRequest names the snapshot object to restore
type RestoreRequest struct {
	Object string `json:"object" binding:"required"`
}

// SnapshotResponse represents the response to a snapshot request
type SnapshotResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StatusResponse represents the response to a snapshot status query
type StatusResponse struct {
	JobID     string    `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Object    string    `json:"object,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Records   int       `json:"records,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Database  string    `json:"database,omitempty"`
	State     string    `json:"state,omitempty"`
	Uptime    string    `json:"uptime"`
}
