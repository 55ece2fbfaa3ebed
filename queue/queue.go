// Package queue carries named background jobs between the API and the
// worker pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is one unit of background work. Attempts counts the runs already
// started, so a fresh job has zero.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for job %s (%s): %w", j.ID, j.Name, err)
	}
	return nil
}

// Exhausted reports whether the job has used all of its attempts.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

type Queue interface {
	// Enqueue adds a job running the handler registered under name and
	// returns its id.
	Enqueue(ctx context.Context, name string, payload any) (string, error)

	// Dequeue waits up to blockFor for a ready job. It returns nil, nil
	// when nothing became ready in time.
	Dequeue(ctx context.Context, blockFor time.Duration) (*Job, error)

	// Retry puts the job back so it becomes ready after delay.
	Retry(ctx context.Context, job *Job, delay time.Duration) error

	// Depth counts the jobs waiting, delayed ones included.
	Depth(ctx context.Context) (int64, error)

	Close() error
}

func newJob(name string, payload any, maxAttempts int) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload of %s: %w", name, err)
	}
	return &Job{
		ID:          uuid.New().String(),
		Name:        name,
		Payload:     data,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}
