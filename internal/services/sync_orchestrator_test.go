package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/parser"
	"github.com/boscod/punchsync/internal/repository"
	"github.com/boscod/punchsync/internal/soap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoPunches = "EMP01\t2025-01-10 09:00:00\nEMP02\t2025-01-10 09:05:00\n"

func soapBody(dataList string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
<soap:Body><GetTransactionsLogResponse xmlns="http://tempuri.org/">
<GetTransactionsLogResult>true</GetTransactionsLogResult>
<strDataList>` + dataList + `</strDataList>
</GetTransactionsLogResponse></soap:Body></soap:Envelope>`
}

// fakeDevice serves a fixed SOAP response and counts calls.
func fakeDevice(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type syncFixture struct {
	store        *repository.MemoryStore
	devices      *DeviceService
	orchestrator *SyncOrchestrator
}

func newSyncFixture(t *testing.T, opts RecorderOptions) *syncFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	devices := NewDeviceService(store, NewCryptoService("test-secret"), time.Second, nil)
	client := soap.NewClient(soap.Options{RequestTimeout: 5 * time.Second, Location: time.UTC}, nil)
	recorder := NewPunchRecorder(store, opts, nil)
	orchestrator := NewSyncOrchestrator(devices, client, recorder, SyncOptions{Location: time.UTC}, nil)
	return &syncFixture{store: store, devices: devices, orchestrator: orchestrator}
}

func (f *syncFixture) addDevice(t *testing.T, property, address string) *models.Device {
	t.Helper()
	device, err := f.devices.Create(context.Background(), property, DeviceInput{
		Name:     ptr("Clock " + address),
		Address:  ptr(address),
		Username: ptr("admin"),
		Password: ptr("1234"),
	})
	require.NoError(t, err)
	return device
}

func TestSyncOneEndToEndAndResync(t *testing.T) {
	srv, calls := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	ctx := context.Background()
	device := f.addDevice(t, "prop-1", srv.URL)

	summary := f.orchestrator.SyncOne(ctx, device, nil)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 0, summary.Duplicates)
	assert.Equal(t, 2, f.store.PunchCount(device.ID))

	stored, err := f.store.GetDevice(ctx, "prop-1", device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, stored.Status)
	require.NotNil(t, stored.LastSyncAt)

	again := f.orchestrator.SyncOne(ctx, stored, nil)
	assert.Empty(t, again.Errors)
	assert.Equal(t, 2, again.Fetched)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 2, again.Duplicates)
	assert.Equal(t, 2, f.store.PunchCount(device.ID))
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestSyncOneStoresRawLine(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	ctx := context.Background()
	device := f.addDevice(t, "prop-1", srv.URL)

	f.orchestrator.SyncOne(ctx, device, nil)

	rows, total, err := f.store.ListPunches(ctx, repository.PunchFilter{PropertyID: "prop-1", DeviceID: device.ID})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	// newest first
	assert.Equal(t, "EMP02", rows[0].EmployeeCode)
	assert.Equal(t, "EMP02\t2025-01-10 09:05:00", rows[0].RawLine)
	assert.Equal(t, time.Date(2025, 1, 10, 9, 5, 0, 0, time.UTC), rows[0].PunchAt)
	assert.Equal(t, "prop-1", rows[0].PropertyID)
}

func TestSyncOneCountsMalformedLines(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusOK, soapBody("EMP01\t2025-01-10 09:00:00\nEMP02\ngarbage\tnot-a-time\n"))
	f := newSyncFixture(t, RecorderOptions{})
	device := f.addDevice(t, "prop-1", srv.URL)

	summary := f.orchestrator.SyncOne(context.Background(), device, nil)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 2, summary.Malformed)
}

func TestSyncOneEmptyResponseTouchesLastSync(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusOK, soapBody(""))
	f := newSyncFixture(t, RecorderOptions{})
	ctx := context.Background()
	device := f.addDevice(t, "prop-1", srv.URL)

	summary := f.orchestrator.SyncOne(ctx, device, nil)
	assert.Empty(t, summary.Errors)
	assert.Zero(t, summary.Fetched)
	assert.Zero(t, summary.Inserted)

	stored, err := f.store.GetDevice(ctx, "prop-1", device.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSyncAt)
	assert.Equal(t, models.DeviceStatusOnline, stored.Status)
}

func TestSyncOneTransportFailure(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusInternalServerError, "boom")
	f := newSyncFixture(t, RecorderOptions{})
	ctx := context.Background()
	device := f.addDevice(t, "prop-1", srv.URL)

	summary := f.orchestrator.SyncOne(ctx, device, nil)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "500")
	assert.Zero(t, summary.Inserted)

	stored, err := f.store.GetDevice(ctx, "prop-1", device.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSyncAt)
}

func TestSyncOneUnreachableMarksOffline(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	ctx := context.Background()
	device := f.addDevice(t, "prop-1", srv.URL)
	device.Status = models.DeviceStatusOnline
	require.NoError(t, f.store.UpdateDeviceColumns(ctx, device, "status"))
	srv.Close()

	summary := f.orchestrator.SyncOne(ctx, device, nil)
	require.True(t, summary.Failed())

	stored, err := f.store.GetDevice(ctx, "prop-1", device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, stored.Status)
}

func TestSyncAllIsolatesFailingDevice(t *testing.T) {
	srv, _ := fakeDevice(t, http.StatusOK, soapBody(twoPunches))
	f := newSyncFixture(t, RecorderOptions{})
	ctx := context.Background()
	good := f.addDevice(t, "prop-1", srv.URL)
	bad := f.addDevice(t, "prop-1", srv.URL+"/")
	f.store.SaveErr[bad.ID] = errors.New("connection reset")

	summaries, err := f.orchestrator.SyncAllForProperty(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, good.ID, summaries[0].DeviceID)
	assert.Empty(t, summaries[0].Errors)
	assert.Equal(t, 2, summaries[0].Inserted)

	assert.Equal(t, bad.ID, summaries[1].DeviceID)
	require.Len(t, summaries[1].Errors, 1)
	assert.Contains(t, summaries[1].Errors[0], "rolled back")
	assert.Zero(t, summaries[1].Inserted)

	assert.Equal(t, 2, f.store.PunchCount(good.ID))
	assert.Zero(t, f.store.PunchCount(bad.ID))

	stored, err := f.store.GetDevice(ctx, "prop-1", bad.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSyncAt)
}

func TestSyncOneExplicitWindowIsSent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		io.WriteString(w, soapBody(""))
	}))
	defer srv.Close()

	f := newSyncFixture(t, RecorderOptions{})
	device := f.addDevice(t, "prop-1", srv.URL)

	window := &models.SyncWindow{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 2, 12, 30, 0, 0, time.UTC),
	}
	summary := f.orchestrator.SyncOne(context.Background(), device, window)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, window.From, summary.From)
	assert.Contains(t, got, "<FromDateTime>2025-01-01T00:00:00</FromDateTime>")
	assert.Contains(t, got, "<ToDateTime>2025-01-02T12:30:00</ToDateTime>")
	assert.Contains(t, got, "<UserPassword>1234</UserPassword>")
}

func TestDefaultWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewSyncOrchestrator(nil, nil, nil, SyncOptions{Lookback: 48 * time.Hour, Overlap: time.Hour}, nil)
	o.now = func() time.Time { return now }

	w := o.DefaultWindow(&models.Device{})
	assert.Equal(t, now.Add(-48*time.Hour), w.From)
	assert.Equal(t, now, w.To)

	last := now.Add(-3 * time.Hour)
	w = o.DefaultWindow(&models.Device{LastSyncAt: &last})
	assert.Equal(t, last.Add(-time.Hour), w.From)
	assert.Equal(t, now, w.To)
}

func TestRecordExactDedup(t *testing.T) {
	store := repository.NewMemoryStore()
	recorder := NewPunchRecorder(store, RecorderOptions{ChunkSize: 1}, nil)
	ctx := context.Background()
	device := &models.Device{PropertyID: "prop-1", Name: "A", Address: "10.0.0.1"}
	require.NoError(t, store.CreateDevice(ctx, device))

	res := parser.ParseLines("E1\t2025-01-10 08:00:00\nE2\t2025-01-10 08:00:00\nE1\t2025-01-10 08:00:00\n", time.UTC)
	summary := recorder.Record(ctx, device, res.Candidates)
	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Duplicates)

	// overlapping window: one known and one new punch
	res = parser.ParseLines("E2\t2025-01-10 08:00:00\nE3\t2025-01-10 07:00:00\n", time.UTC)
	summary = recorder.Record(ctx, device, res.Candidates)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 3, store.PunchCount(device.ID))
}

func TestRecordExactDedupKeepsSubSecondPunches(t *testing.T) {
	store := repository.NewMemoryStore()
	recorder := NewPunchRecorder(store, RecorderOptions{}, nil)
	ctx := context.Background()
	device := &models.Device{PropertyID: "prop-1", Name: "A", Address: "10.0.0.1"}
	require.NoError(t, store.CreateDevice(ctx, device))

	block := "EMP01\t2025-01-10 09:00:00.123\nEMP01\t2025-01-10 09:00:00.456\n"
	res := parser.ParseLines(block, time.UTC)
	require.Len(t, res.Candidates, 2)

	summary := recorder.Record(ctx, device, res.Candidates)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 0, summary.Duplicates)

	summary = recorder.Record(ctx, device, parser.ParseLines(block, time.UTC).Candidates)
	assert.Equal(t, 0, summary.Inserted)
	assert.Equal(t, 2, summary.Duplicates)
}

type fixedMark struct{ at *time.Time }

func (m fixedMark) LatestPunchAt(ctx context.Context, propertyID string, deviceID int64) (*time.Time, error) {
	return m.at, nil
}

func TestRecordHighWaterMark(t *testing.T) {
	store := repository.NewMemoryStore()
	mark := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	recorder := NewPunchRecorder(store, RecorderOptions{
		Strategy:  StrategyHighWaterMark,
		LastPunch: fixedMark{at: &mark},
	}, nil)
	ctx := context.Background()
	device := &models.Device{PropertyID: "prop-1", Name: "A", Address: "10.0.0.1"}
	require.NoError(t, store.CreateDevice(ctx, device))

	res := parser.ParseLines("E1\t2025-01-10 08:00:00\nE2\t2025-01-10 09:00:00\nE3\t2025-01-10 10:00:00\n", time.UTC)
	summary := recorder.Record(ctx, device, res.Candidates)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 2, summary.Duplicates)

	require.NotNil(t, device.LastSyncAt)
	assert.Equal(t, time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC), *device.LastSyncAt)
}

func TestRecordHighWaterMarkFromStore(t *testing.T) {
	store := repository.NewMemoryStore()
	recorder := NewPunchRecorder(store, RecorderOptions{Strategy: StrategyHighWaterMark}, nil)
	ctx := context.Background()
	device := &models.Device{PropertyID: "prop-1", Name: "A", Address: "10.0.0.1"}
	require.NoError(t, store.CreateDevice(ctx, device))

	res := parser.ParseLines(twoPunches, time.UTC)
	assert.Equal(t, 2, recorder.Record(ctx, device, res.Candidates).Inserted)

	again := recorder.Record(ctx, device, res.Candidates)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 2, again.Duplicates)
}

func TestRecordPersistenceFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	recorder := NewPunchRecorder(store, RecorderOptions{}, nil)
	ctx := context.Background()
	device := &models.Device{PropertyID: "prop-1", Name: "A", Address: "10.0.0.1"}
	require.NoError(t, store.CreateDevice(ctx, device))
	store.SaveErr[device.ID] = errors.New("deadlock detected")

	res := parser.ParseLines(twoPunches, time.UTC)
	summary := recorder.Record(ctx, device, res.Candidates)
	assert.Zero(t, summary.Inserted)
	require.Len(t, summary.Errors, 1)
	assert.True(t, strings.Contains(summary.Errors[0], "deadlock detected"))
	assert.Nil(t, device.LastSyncAt)
	assert.Zero(t, store.PunchCount(device.ID))
}

func TestParseDedupStrategy(t *testing.T) {
	s, err := ParseDedupStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyExact, s)

	s, err = ParseDedupStrategy("HIGH_WATER_MARK")
	require.NoError(t, err)
	assert.Equal(t, StrategyHighWaterMark, s)

	_, err = ParseDedupStrategy("fifo")
	assert.Error(t, err)

	recorder := NewPunchRecorder(repository.NewMemoryStore(), RecorderOptions{}, nil)
	assert.Equal(t, StrategyExact, recorder.Strategy())
}
