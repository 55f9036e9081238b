package tasks

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncTask(t *testing.T) {
	id := uuid.New()
	task, opts, err := NewSyncTask(id, 1, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TypeDeviceSync, task.Type())
	assert.Len(t, opts, 4)

	p, err := ParseSyncPayload(task)
	require.NoError(t, err)
	assert.Equal(t, id, p.JobID)
}

func TestParseSyncPayloadRejectsGarbage(t *testing.T) {
	_, err := ParseSyncPayload(asynq.NewTask(TypeDeviceSync, []byte("not json")))
	assert.Error(t, err)

	_, err = ParseSyncPayload(asynq.NewTask(TypeDeviceSync, []byte(`{}`)))
	assert.Error(t, err)
}

func TestNewEnqueuerRetryBudget(t *testing.T) {
	assert.Equal(t, 1, NewEnqueuer(nil, 2, 0).maxRetry)
	assert.Equal(t, 0, NewEnqueuer(nil, 0, 0).maxRetry)
}

func TestNewSyncTaskTimeoutOutlivesAttempt(t *testing.T) {
	_, opts, err := NewSyncTask(uuid.New(), 1, 2*time.Minute)
	require.NoError(t, err)

	var timeout time.Duration
	for _, opt := range opts {
		if opt.Type() == asynq.TimeoutOpt {
			timeout = opt.Value().(time.Duration)
		}
	}
	assert.Equal(t, 2*time.Minute+TimeoutMargin, timeout)

	_, opts, err = NewSyncTask(uuid.New(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}
