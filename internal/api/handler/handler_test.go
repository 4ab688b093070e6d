package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symphonyhq/messenger/internal/api/handler"
	"github.com/symphonyhq/messenger/internal/api/router"
	"github.com/symphonyhq/messenger/internal/messenger/deadletter"
	"github.com/symphonyhq/messenger/internal/messenger/dispatcher"
	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/health"
	"github.com/symphonyhq/messenger/internal/messenger/metrics"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
	"github.com/symphonyhq/messenger/internal/messenger/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	engine    *gin.Engine
	transport transport.Transport
}

func newFixture(t *testing.T, statsFunc func() worker.Stats) *fixture {
	t.Helper()
	logger := slog.Default()
	tr := transport.NewMemory("memory")
	disp := dispatcher.New(&dispatcher.Config{
		Logger:             logger,
		Transports:         map[string]transport.Transport{"memory": tr},
		DefaultTransport:   "memory",
		DefaultQueue:       "default",
		DefaultMaxAttempts: 3,
	})
	collector := metrics.NewCollector(0)
	engine := router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Dispatcher:  disp,
		DeadLetters: deadletter.NewService(logger, tr, disp),
		Health:      health.NewMonitor(logger, tr, "default", nil, collector, health.Config{}),
		Metrics:     collector,
		StatsFunc:   statsFunc,
	})
	return &fixture{engine: engine, transport: tr}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) deadLetterOne(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.transport.Enqueue(ctx, &domain.Message{
		Type:        "email.send",
		Payload:     []byte(`{"to":"user@example.com"}`),
		Queue:       "default",
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	_, err = f.transport.Claim(ctx, "default", 1, "w1")
	require.NoError(t, err)
	require.NoError(t, f.transport.DeadLetter(ctx, id, "boom"))
	return id
}

func TestDispatchEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{
			name:       "accepted",
			body:       gin.H{"type": "email.send", "payload": gin.H{"to": "user@example.com"}},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "missing type",
			body:       gin.H{"payload": gin.H{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing payload",
			body:       gin.H{"type": "email.send"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown transport",
			body:       gin.H{"type": "email.send", "payload": gin.H{}, "transport": "carrier-pigeon"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.request(t, http.MethodPost, "/api/v1/messages", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus == http.StatusAccepted {
				var resp struct {
					MessageID string `json:"message_id"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.NotEmpty(t, resp.MessageID)
			}
		})
	}
}

func TestDispatchEndpoint_Idempotency(t *testing.T) {
	f := newFixture(t, nil)
	body := gin.H{
		"type":            "email.send",
		"payload":         gin.H{"to": "user@example.com"},
		"idempotency_key": "order-42",
	}

	var ids []string
	for i := 0; i < 2; i++ {
		rec := f.request(t, http.MethodPost, "/api/v1/messages", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp struct {
			MessageID string `json:"message_id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		ids = append(ids, resp.MessageID)
	}
	assert.Equal(t, ids[0], ids[1])
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	id := f.deadLetterOne(t)

	// List
	rec := f.request(t, http.MethodGet, "/api/v1/dead-letters?queue=default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Count       int                     `json:"count"`
		DeadLetters []*domain.FailedMessage `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Equal(t, 1, listResp.Count)
	assert.Equal(t, id, listResp.DeadLetters[0].MessageID)

	// Retry
	rec = f.request(t, http.MethodPost, "/api/v1/dead-letters/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var retryResp struct {
		NewMessageID string `json:"new_message_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retryResp))
	assert.NotEmpty(t, retryResp.NewMessageID)
	assert.NotEqual(t, id, retryResp.NewMessageID)

	// Retry of an unknown record
	rec = f.request(t, http.MethodPost, "/api/v1/dead-letters/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Delete twice, both 204
	recordID := listResp.DeadLetters[0].ID
	rec = f.request(t, http.MethodDelete, "/api/v1/dead-letters/"+recordID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.request(t, http.MethodDelete, "/api/v1/dead-letters/"+recordID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/dead-letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Zero(t, listResp.Count)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h health.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, health.StatusHealthy, h.Status)

	// An unreachable transport turns the endpoint into a 503
	require.NoError(t, f.transport.Close())
	rec = f.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Window    string          `json:"window"`
		ErrorRate float64         `json:"error_rate"`
		ByType    json.RawMessage `json:"by_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "5m0s", resp.Window)

	rec = f.request(t, http.MethodGet, "/api/v1/metrics?window=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerStatsEndpoint(t *testing.T) {
	t.Run("routed when a worker is present", func(t *testing.T) {
		f := newFixture(t, func() worker.Stats {
			return worker.Stats{WorkerID: "w1", State: "running", Processed: 7}
		})
		rec := f.request(t, http.MethodGet, "/api/v1/worker/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var stats worker.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, "w1", stats.WorkerID)
		assert.EqualValues(t, 7, stats.Processed)
	})

	t.Run("absent on api-only services", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.request(t, http.MethodGet, "/api/v1/worker/stats", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
