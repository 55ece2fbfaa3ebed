package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	AccountID string `json:"account_id"`
}

func TestMemory_EnqueueDequeue(t *testing.T) {
	q := NewMemory(3)
	defer q.Close()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "payments.register-account", samplePayload{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "payments.register-account", job.Name)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Zero(t, job.Attempts)

	var p samplePayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "acc-1", p.AccountID)
}

func TestMemory_FIFO(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, "job", i)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestMemory_DequeueTimesOut(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	job, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemory_DequeueHonoursContext(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_RetryAfterDelay(t *testing.T) {
	q := NewMemory(3)
	defer q.Close()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job", "x")
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	job.Attempts++
	require.NoError(t, q.Retry(ctx, job, 30*time.Millisecond))

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(1), depth)

	again, err := q.Dequeue(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again, "retried job must not be ready before its delay")

	again, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestMemory_Close(t *testing.T) {
	q := NewMemory(1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, time.Minute)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}

	_, err := q.Enqueue(ctx, "job", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJob_Exhausted(t *testing.T) {
	assert.False(t, (&Job{Attempts: 2, MaxAttempts: 3}).Exhausted())
	assert.True(t, (&Job{Attempts: 3, MaxAttempts: 3}).Exhausted())
	assert.False(t, (&Job{Attempts: 10}).Exhausted())
}
