package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/recordstore/internal/metrics"
	"github.com/rossigee/recordstore/internal/snapshot"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	jobTimeout    = 30 * time.Minute
	keepFinished  = 100
	defaultWorker = 2
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ConnSource yields the live database connection.
type ConnSource interface {
	Conn() (*storage.Conn, error)
}

// Job represents a snapshot or restore job
type Job struct {
	ID        string
	Kind      types.JobKind
	Status    types.JobStatus
	Stage     string
	Object    string
	Bytes     int64
	Records   int
	Error     error
	CreatedAt time.Time
	UpdatedAt time.Time

	cancelFunc context.CancelFunc
}

func (j *Job) finished() bool {
	return j.Status == types.StatusCompleted || j.Status == types.StatusFailed || j.Status == types.StatusCancelled
}

// Manager runs snapshot jobs against the live connection
type Manager struct {
	source    ConnSource
	store     snapshot.ObjectStore
	metrics   *metrics.Metrics
	jobs      map[string]*Job
	semaphore chan struct{} // Limits concurrent operations
	mu        sync.RWMutex
}

// NewManager creates a new job manager. maxConcurrent <= 0 allows two jobs
// at a time.
func NewManager(source ConnSource, store snapshot.ObjectStore, maxConcurrent int, m *metrics.Metrics) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultWorker
	}
	return &Manager{
		source:    source,
		store:     store,
		metrics:   m,
		jobs:      make(map[string]*Job),
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// StartSnapshot exports the live database and uploads it.
func (m *Manager) StartSnapshot() (string, error) {
	return m.start(types.KindSnapshot, "")
}

// StartRestore downloads object and writes its records into the live
// database.
func (m *Manager) StartRestore(object string) (string, error) {
	if object == "" {
		return "", errors.New("snapshot object name is required")
	}
	return m.start(types.KindRestore, object)
}

func (m *Manager) start(kind types.JobKind, object string) (string, error) {
	if m.store == nil {
		return "", errors.New("snapshot storage is not configured")
	}
	if _, err := m.source.Conn(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Status:     types.StatusPending,
		Object:     object,
		CreatedAt:  now,
		UpdatedAt:  now,
		cancelFunc: cancel,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.runJob(ctx, job)

	return job.ID, nil
}

// GetJobStatus returns the status of a job
func (m *Manager) GetJobStatus(jobID string) (*types.StatusResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	response := &types.StatusResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		Stage:     job.Stage,
		Object:    job.Object,
		Bytes:     job.Bytes,
		Records:   job.Records,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Error != nil {
		response.Error = job.Error.Error()
	}
	return response, nil
}

// CancelJob cancels a pending or running job
func (m *Manager) CancelJob(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.finished() {
		return fmt.Errorf("job cannot be cancelled: %s", job.Status)
	}

	job.cancelFunc()
	job.Status = types.StatusCancelled
	job.UpdatedAt = time.Now()
	return nil
}

// update applies fn to job under the manager lock. Cancelled jobs are not
// touched.
func (m *Manager) update(job *Job, fn func(*Job)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Status == types.StatusCancelled {
		return false
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return true
}

func (m *Manager) stage(job *Job, stage string) {
	m.update(job, func(j *Job) { j.Stage = stage })
}

func (m *Manager) runJob(ctx context.Context, job *Job) {
	defer job.cancelFunc()

	log := logrus.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   job.Kind,
	})

	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		m.update(job, func(j *Job) { j.Status = types.StatusCancelled })
		m.metrics.SnapshotFinished(string(types.StatusCancelled))
		return
	}

	if !m.update(job, func(j *Job) { j.Status = types.StatusRunning }) {
		m.metrics.SnapshotFinished(string(types.StatusCancelled))
		return
	}

	var err error
	switch job.Kind {
	case types.KindRestore:
		err = m.restore(ctx, job)
	default:
		err = m.export(ctx, job)
	}

	result := types.StatusCompleted
	if err != nil {
		result = types.StatusFailed
	}
	if !m.update(job, func(j *Job) {
		j.Status = result
		j.Error = err
	}) {
		result = types.StatusCancelled
	}
	m.metrics.SnapshotFinished(string(result))

	if err != nil {
		log.WithError(err).Error("Snapshot job failed")
		return
	}
	log.WithField("status", result).Info("Snapshot job finished")
}

func (m *Manager) export(ctx context.Context, job *Job) error {
	conn, err := m.source.Conn()
	if err != nil {
		return err
	}

	m.stage(job, "exporting")
	doc, err := snapshot.Export(ctx, conn)
	if err != nil {
		return err
	}

	m.stage(job, "encoding")
	data, err := snapshot.Encode(doc)
	if err != nil {
		return err
	}

	name := snapshot.ObjectName(doc)
	m.update(job, func(j *Job) {
		j.Stage = "uploading"
		j.Object = name
		j.Records = doc.Records()
		j.Bytes = int64(len(data))
	})
	if err := m.store.Upload(ctx, name, data); err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}
	return nil
}

func (m *Manager) restore(ctx context.Context, job *Job) error {
	m.stage(job, "downloading")
	data, err := m.store.Download(ctx, job.Object)
	if err != nil {
		return fmt.Errorf("failed to download snapshot: %w", err)
	}

	m.update(job, func(j *Job) {
		j.Stage = "decoding"
		j.Bytes = int64(len(data))
	})
	doc, err := snapshot.Decode(data)
	if err != nil {
		return err
	}

	conn, err := m.source.Conn()
	if err != nil {
		return err
	}
	if doc.Database != conn.Name() {
		return fmt.Errorf("snapshot is of database %q, connection is %q", doc.Database, conn.Name())
	}

	m.stage(job, "restoring")
	written, err := snapshot.Restore(ctx, conn, doc)
	m.update(job, func(j *Job) { j.Records = written })
	return err
}

// GetActiveJobs returns the count of active jobs
func (m *Manager) GetActiveJobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, job := range m.jobs {
		if !job.finished() {
			count++
		}
	}
	return count
}

// CleanupCompletedJobs removes all but the most recent finished jobs.
func (m *Manager) CleanupCompletedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()

	finished := make([]*Job, 0)
	for _, job := range m.jobs {
		if job.finished() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= keepFinished {
		return
	}

	sort.Slice(finished, func(i, j int) bool { return finished[i].UpdatedAt.Before(finished[j].UpdatedAt) })
	for _, job := range finished[:len(finished)-keepFinished] {
		delete(m.jobs, job.ID)
	}
}
