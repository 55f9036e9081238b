package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boscod/punchsync/internal/handlers"
	"github.com/boscod/punchsync/internal/repository"
	"github.com/boscod/punchsync/internal/services"
	"github.com/boscod/punchsync/internal/soap"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dataBlock = "EMP01\t2025-01-10 09:00:00\nEMP02\t2025-01-10 09:05:00\n"

type stubQueue struct{ ids []uuid.UUID }

func (q *stubQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	q.ids = append(q.ids, id)
	return nil
}

type apiFixture struct {
	app    *fiber.App
	jwt    *services.JWTService
	store  *repository.MemoryStore
	queue  *stubQueue
	device *httptest.Server
}

type fixtureOptions struct {
	queued    bool
	rateLimit int
	health    map[string]handlers.HealthCheck
}

func newAPI(t *testing.T, opts fixtureOptions) *apiFixture {
	t.Helper()

	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		fmt.Fprintf(w, `<Envelope><Body><GetTransactionsLogResponse><strDataList>%s</strDataList></GetTransactionsLogResponse></Body></Envelope>`, dataBlock)
	}))
	t.Cleanup(device.Close)

	store := repository.NewMemoryStore()
	devices := services.NewDeviceService(store, services.NewCryptoService("test"), time.Second, nil)
	client := soap.NewClient(soap.Options{Location: time.UTC}, nil)
	recorder := services.NewPunchRecorder(store, services.RecorderOptions{}, nil)
	orchestrator := services.NewSyncOrchestrator(devices, client, recorder, services.SyncOptions{Location: time.UTC}, nil)

	queue := &stubQueue{}
	var syncs *services.SyncService
	if opts.queued {
		syncs = services.NewSyncService(devices, services.NewInlineRunner(orchestrator),
			services.NewQueuedRunner(store, queue, 2, nil), store, nil)
	} else {
		syncs = services.NewSyncService(devices, services.NewInlineRunner(orchestrator), nil, store, nil)
	}

	if opts.rateLimit == 0 {
		opts.rateLimit = 100
	}

	jwtService := services.NewJWTService("jwt-test-secret", 1)
	app := fiber.New()
	SetupRoutes(app, Dependencies{
		JWT:           jwtService,
		Devices:       devices,
		Syncs:         syncs,
		PunchLogs:     services.NewPunchLogService(devices, store),
		Location:      time.UTC,
		SyncRateLimit: opts.rateLimit,
		HealthChecks:  opts.health,
	})

	return &apiFixture{app: app, jwt: jwtService, store: store, queue: queue, device: device}
}

func (f *apiFixture) do(t *testing.T, property, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if property != "" {
		token, err := f.jwt.GenerateToken(1, property, "admin")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (f *apiFixture) createDevice(t *testing.T, property string, body map[string]any) int64 {
	t.Helper()
	resp, out := f.do(t, property, http.MethodPost, "/api/devices", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, out)
	return int64(out["id"].(float64))
}

func TestRequiresToken(t *testing.T) {
	f := newAPI(t, fixtureOptions{})

	resp, out := f.do(t, "", http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", out["error"])
}

func TestRejectsTokenWithoutProperty(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	token, err := f.jwt.GenerateToken(1, "", "admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeviceCRUD(t *testing.T) {
	f := newAPI(t, fixtureOptions{})

	resp, out := f.do(t, "prop-1", http.MethodPost, "/api/devices", map[string]any{
		"name":          "Lobby",
		"address":       "192.168.1.5:8080",
		"serial_number": "SN-1",
		"username":      "admin",
		"password":      "1234",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, out)
	assert.Equal(t, "192.168.1.5", out["address"])
	assert.EqualValues(t, 8080, out["port"])
	assert.Equal(t, true, out["has_password"])
	assert.Equal(t, "offline", out["status"])
	assert.NotContains(t, out, "password")
	assert.NotContains(t, out, "password_encrypted")
	id := int64(out["id"].(float64))

	resp, out = f.do(t, "prop-1", http.MethodPost, "/api/devices", map[string]any{
		"name": "Dup", "address": "10.0.0.2", "serial_number": "SN-1",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, out)

	resp, out = f.do(t, "prop-1", http.MethodPost, "/api/devices", map[string]any{
		"name": "Bad", "address": "10.0.0.3", "port": 70000,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "port", out["field"])

	resp, out = f.do(t, "prop-1", http.MethodPut, fmt.Sprintf("/api/devices/%d", id), map[string]any{"location": "Front desk"})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, "Front desk", out["location"])
	assert.Equal(t, "Lobby", out["name"])

	resp, _ = f.do(t, "prop-2", http.MethodGet, fmt.Sprintf("/api/devices/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "prop-1", http.MethodGet, "/api/devices/abc", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out = f.do(t, "prop-1", http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["total"])

	resp, _ = f.do(t, "prop-1", http.MethodDelete, fmt.Sprintf("/api/devices/%d", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, "prop-1", http.MethodGet, fmt.Sprintf("/api/devices/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInlineSyncAndLogs(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	id := f.createDevice(t, "prop-1", map[string]any{"name": "Gate", "address": f.device.URL, "password": "1234"})

	resp, out := f.do(t, "prop-1", http.MethodPost, fmt.Sprintf("/api/devices/%d/sync", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, false, out["queued"])
	summary := out["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["fetched"])
	assert.EqualValues(t, 2, summary["inserted"])
	assert.EqualValues(t, 0, summary["duplicates"])

	resp, out = f.do(t, "prop-1", http.MethodPost, fmt.Sprintf("/api/devices/%d/sync", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	summary = out["summary"].(map[string]any)
	assert.EqualValues(t, 0, summary["inserted"])
	assert.EqualValues(t, 2, summary["duplicates"])

	resp, out = f.do(t, "prop-1", http.MethodGet, fmt.Sprintf("/api/devices/%d/logs?limit=1&start_date=2025-01-10&end_date=2025-01-10", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	pagination := out["pagination"].(map[string]any)
	assert.EqualValues(t, 2, pagination["total"])
	assert.EqualValues(t, 2, pagination["total_pages"])
	assert.Len(t, out["logs"], 1)

	resp, out = f.do(t, "prop-1", http.MethodGet, fmt.Sprintf("/api/devices/%d/logs?start_date=10-01-2025", id), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "start_date", out["field"])

	resp, _ = f.do(t, "prop-1", http.MethodGet, fmt.Sprintf("/api/devices/%d/logs/export", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment;")

	resp, out = f.do(t, "prop-1", http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := out["devices"].([]any)[0].(map[string]any)
	assert.Equal(t, "online", listed["status"])
	assert.NotEmpty(t, listed["last_sync_at"])
}

func TestSyncRejectsBadWindow(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	id := f.createDevice(t, "prop-1", map[string]any{"name": "Gate", "address": f.device.URL})

	resp, out := f.do(t, "prop-1", http.MethodPost, fmt.Sprintf("/api/devices/%d/sync?from=2025-02-01&to=2025-01-01", id), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "from", out["field"])

	resp, out = f.do(t, "prop-1", http.MethodPost, fmt.Sprintf("/api/devices/%d/sync?to=2025-01-01", id), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "from", out["field"])
}

func TestQueuedSyncAndJobStatus(t *testing.T) {
	f := newAPI(t, fixtureOptions{queued: true})
	id := f.createDevice(t, "prop-1", map[string]any{"name": "Gate", "address": f.device.URL})

	resp, out := f.do(t, "prop-1", http.MethodPost, fmt.Sprintf("/api/devices/%d/sync?async=true&from=2025-01-01&to=2025-01-31", id), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, out)
	assert.Equal(t, true, out["queued"])
	jobID := out["job_id"].(string)
	require.Len(t, f.queue.ids, 1)
	assert.Equal(t, jobID, f.queue.ids[0].String())

	resp, out = f.do(t, "prop-1", http.MethodGet, "/api/sync-jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	job := out["job"].(map[string]any)
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, false, out["terminal"])

	resp, _ = f.do(t, "prop-2", http.MethodGet, "/api/sync-jobs/"+jobID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, "prop-1", http.MethodGet, "/api/sync-jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// sync-all queues by default
	resp, out = f.do(t, "prop-1", http.MethodPost, "/api/devices/sync-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.EqualValues(t, 1, out["queued"])
	assert.Len(t, f.queue.ids, 2)
}

func TestSyncRateLimitedPerProperty(t *testing.T) {
	f := newAPI(t, fixtureOptions{rateLimit: 1})
	id := f.createDevice(t, "prop-1", map[string]any{"name": "Gate", "address": f.device.URL})
	f.createDevice(t, "prop-2", map[string]any{"name": "Gate", "address": f.device.URL})

	resp, _ := f.do(t, "prop-1", http.MethodPost, fmt.Sprintf("/api/devices/%d/sync", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "prop-1", http.MethodPost, fmt.Sprintf("/api/devices/%d/sync", id), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// other properties and non-sync routes are unaffected
	resp, _ = f.do(t, "prop-2", http.MethodPost, "/api/devices/sync-all?async=false", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, "prop-1", http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newAPI(t, fixtureOptions{health: map[string]handlers.HealthCheck{
		"database": func(context.Context) error { return nil },
	}})
	resp, out := f.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	f = newAPI(t, fixtureOptions{health: map[string]handlers.HealthCheck{
		"database": func(context.Context) error { return nil },
		"queue":    func(context.Context) error { return errors.New("not connected") },
	}})
	resp, out = f.do(t, "", http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", out["status"])
	checks := out["checks"].(map[string]any)
	assert.Equal(t, "not connected", checks["queue"])
}
