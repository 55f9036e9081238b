package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	ids []uuid.UUID
	err error
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func newSyncService(t *testing.T, f *syncFixture, queue JobQueue) *SyncService {
	t.Helper()
	inline := NewInlineRunner(f.orchestrator)
	if queue == nil {
		return NewSyncService(f.devices, inline, nil, f.store, nil)
	}
	queued := NewQueuedRunner(f.store, queue, 0, nil)
	return NewSyncService(f.devices, inline, queued, f.store, nil)
}

func TestRequestSyncQueued(t *testing.T) {
	srv, calls := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	queue := &recordingQueue{}
	svc := newSyncService(t, f, queue)
	ctx := context.Background()
	device := f.addDevice(t, "prop-1", srv.URL)

	window := &models.SyncWindow{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	ack, err := svc.RequestSync(ctx, device, window, true)
	require.NoError(t, err)
	assert.True(t, ack.Queued)
	require.NotNil(t, ack.JobID)
	assert.Nil(t, ack.Summary)
	assert.Equal(t, []uuid.UUID{*ack.JobID}, queue.ids)
	assert.Zero(t, *calls, "queued sync must not contact the device")

	job, err := svc.GetJob(ctx, "prop-1", *ack.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncJobPending, job.Status)
	assert.Equal(t, device.ID, job.DeviceID)
	assert.Equal(t, DefaultJobMaxAttempts, job.MaxAttempts)
	require.NotNil(t, job.Window())
	assert.Equal(t, *window, *job.Window())

	_, err = svc.GetJob(ctx, "prop-2", *ack.JobID)
	assert.ErrorIs(t, err, ErrSyncJobNotFound)
	_, err = svc.GetJob(ctx, "prop-1", uuid.New())
	assert.ErrorIs(t, err, ErrSyncJobNotFound)
}

func TestRequestSyncFallsBackToInline(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	svc := newSyncService(t, f, &recordingQueue{err: errors.New("channel closed")})
	device := f.addDevice(t, "prop-1", srv.URL)

	ack, err := svc.RequestSync(context.Background(), device, nil, true)
	require.NoError(t, err)
	assert.False(t, ack.Queued)
	require.NotNil(t, ack.Summary)
	assert.Equal(t, 2, ack.Summary.Inserted)
}

func TestQueuedRunnerEnqueueFailure(t *testing.T) {
	f := newSyncFixture(t, RecorderOptions{})
	runner := NewQueuedRunner(f.store, &recordingQueue{err: errors.New("no broker")}, 2, nil)
	device := f.addDevice(t, "prop-1", "10.0.0.1")

	_, err := runner.Run(context.Background(), device, nil)
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestRequestSyncInlineWithoutQueue(t *testing.T) {
	srv, calls := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	svc := newSyncService(t, f, nil)
	device := f.addDevice(t, "prop-1", srv.URL)

	assert.False(t, svc.QueueEnabled())
	ack, err := svc.RequestSync(context.Background(), device, nil, true)
	require.NoError(t, err)
	assert.False(t, ack.Queued)
	assert.Equal(t, 2, ack.Summary.Fetched)
	assert.EqualValues(t, 1, *calls)
}

func TestRequestSyncAll(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	queue := &recordingQueue{}
	svc := newSyncService(t, f, queue)
	f.addDevice(t, "prop-1", srv.URL)
	f.addDevice(t, "prop-1", srv.URL)
	f.addDevice(t, "prop-2", srv.URL)

	acks, err := svc.RequestSyncAll(context.Background(), "prop-1", true)
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.Len(t, queue.ids, 2)
	for _, ack := range acks {
		assert.True(t, ack.Queued)
	}
}
