package queue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(10, 2)
	q.Start()

	var ran atomic.Int32
	for range 5 {
		ok := q.Enqueue(Job{Run: func() error {
			ran.Add(1)
			return nil
		}})
		require.True(t, ok)
	}

	q.Stop()
	assert.Equal(t, int32(5), ran.Load())
}

func TestQueueReportsFull(t *testing.T) {
	q := NewQueue(1, 1)
	// not started: nothing drains the channel

	require.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	failed := make(chan error, 1)
	q.Enqueue(Job{
		Run:    func() error { return errors.New("boom") },
		OnFail: func(err error) { failed <- err },
	})

	select {
	case err := <-failed:
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("OnFail was never called")
	}

	q.Stop()
}

func TestEnqueueAfterStop(t *testing.T) {
	q := NewQueue(10, 1)
	q.Start()
	q.Stop()

	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))

	// Stop is idempotent
	q.Stop()
}

func TestQueueIsFIFO(t *testing.T) {
	q := NewQueue(10, 1)

	var order []int
	done := make(chan struct{})
	for i := range 3 {
		require.True(t, q.Enqueue(Job{Run: func() error {
			order = append(order, i)
			if i == 2 {
				close(done)
			}
			return nil
		}}))
	}

	q.Start()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs never drained")
	}
	q.Stop()

	assert.Equal(t, []int{0, 1, 2}, order)
}
