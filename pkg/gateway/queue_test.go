package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionQueueRunsImmediatelyWhenFree(t *testing.T) {
	q := NewAdmissionQueue(2, 2)
	ran := false
	require.NoError(t, q.Do(context.Background(), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	m := q.Metrics()
	assert.Equal(t, int64(1), m.RequestsTotal)
	assert.Zero(t, m.RequestsFailed)
	assert.Zero(t, m.RequestsInFlight)
}

func TestAdmissionQueueOverflow(t *testing.T) {
	q := NewAdmissionQueue(1, 1)
	ctx := context.Background()

	release := make(chan struct{})
	firstIn := make(chan struct{})
	secondQueued := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]error, 3)

	// First request occupies the only slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = q.Do(ctx, func() error {
			close(firstIn)
			<-release
			return nil
		})
	}()
	<-firstIn

	// Second request takes the only queue position.
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(secondQueued)
		results[1] = q.Do(ctx, func() error { return nil })
	}()
	<-secondQueued
	require.Eventually(t, func() bool {
		return q.Metrics().QueueDepth == 1
	}, time.Second, time.Millisecond)

	// Third request finds slot and queue both full.
	results[2] = q.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, results[2], ErrQueueFull)
	assert.Equal(t, int64(1), q.Metrics().QueueOverflowRejections)

	// Releasing the first lets the queued request through.
	close(release)
	wg.Wait()
	assert.NoError(t, results[0])
	assert.NoError(t, results[1])

	m := q.Metrics()
	assert.Equal(t, int64(3), m.RequestsTotal)
	assert.Equal(t, int64(1), m.RequestsFailed, "only the rejection counts as failed")
	assert.Zero(t, m.QueueDepth)
	assert.Zero(t, m.RequestsInFlight)
}

func TestAdmissionQueueContextCancelWhileQueued(t *testing.T) {
	q := NewAdmissionQueue(1, 1)

	release := make(chan struct{})
	firstIn := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), func() error {
			close(firstIn)
			<-release
			return nil
		})
	}()
	<-firstIn
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Do(ctx, func() error { return nil })
	}()
	require.Eventually(t, func() bool {
		return q.Metrics().QueueDepth == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued request did not observe cancellation")
	}
	assert.Zero(t, q.Metrics().QueueDepth, "queue position returned on cancel")
}

func TestAdmissionQueueCountsWorkErrors(t *testing.T) {
	q := NewAdmissionQueue(1, 0)
	err := q.Do(context.Background(), func() error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), q.Metrics().RequestsFailed)
}
