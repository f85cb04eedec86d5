package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/pgworker/internal/tasks"
)

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 1, o.Concurrency)
	assert.Equal(t, defaultPollInterval, o.PollInterval)
	assert.Equal(t, defaultStaleAfter, o.StaleAfter)
	assert.Equal(t, defaultStaleCheckInterval, o.StaleCheckInterval)
	assert.True(t, strings.HasPrefix(o.WorkerID, "worker-"))
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.Metrics)

	custom := Options{Concurrency: 4, WorkerID: "w1"}.withDefaults()
	assert.Equal(t, 4, custom.Concurrency)
	assert.Equal(t, "w1", custom.WorkerID)
}

func TestCallHandler_RecoversPanic(t *testing.T) {
	err := callHandler(context.Background(), func(context.Context, tasks.Job) error {
		panic("nil map")
	}, tasks.Job{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panicked: nil map")
}

func TestHandle_ErrBeforeDoneIsNil(t *testing.T) {
	h := &Handle{
		stopPolling: func() {},
		killJobs:    func() {},
		done:        make(chan struct{}),
	}
	h.fail(assert.AnError)
	assert.NoError(t, h.Err(), "Err is only reported once the engine is done")
	close(h.done)
	assert.ErrorIs(t, h.Err(), assert.AnError)
}
