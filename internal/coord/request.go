package coord

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// Request announces that some context wants to open the database at Version.
// Token changes on every announcement, so a repeated request for the same
// version is still observed as new.
type Request struct {
	Version     int       `json:"version"`
	Token       string    `json:"token"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publish writes a fresh version-change request to path atomically.
func Publish(path string, version int) (Request, error) {
	req := Request{
		Version:     version,
		Token:       uuid.NewString(),
		RequestedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return Request{}, fmt.Errorf("encode version request: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return Request{}, fmt.Errorf("write version request: %w", err)
	}
	return req, nil
}

// ReadRequest reads the last published request. A missing file yields the
// zero Request.
func ReadRequest(path string) (Request, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built by the store
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Request{}, nil
		}
		return Request{}, fmt.Errorf("read version request: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Request{}, nil
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode version request: %w", err)
	}
	return req, nil
}
