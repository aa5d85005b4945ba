package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invpredict/training"
)

func TestHubBroadcastsTrainingEvents(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	go hub.Start()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.JobUpdated(training.Job{ID: "job-1", Status: training.StatusRunning})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TrainingEvent, msg.Type)
	assert.NotEmpty(t, msg.ID)

	var job training.Job
	require.NoError(t, json.Unmarshal(msg.Data, &job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, training.StatusRunning, job.Status)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	go hub.Start()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsCountFinishedJobs(t *testing.T) {
	m := NewMetrics("test")
	started := time.Now()
	finished := started.Add(time.Second)

	m.JobUpdated(training.Job{Status: training.StatusRunning, StartedAt: &started})
	m.JobUpdated(training.Job{Status: training.StatusSucceeded, StartedAt: &started, FinishedAt: &finished})
	m.JobUpdated(training.Job{Status: training.StatusFailed, StartedAt: &started, FinishedAt: &finished})

	body := scrape(t, m)
	assert.Contains(t, body, `test_training_jobs_total{status="succeeded"} 1`)
	assert.Contains(t, body, `test_training_jobs_total{status="failed"} 1`)
	assert.NotContains(t, body, `status="running"`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PredictionServed("ok", 3)
	m.CacheLookup(true)
	m.ModelLoaded(time.Now())
	m.JobUpdated(training.Job{Status: training.StatusSucceeded})
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics("invpredict")
	m.PredictionServed("ok", 2)
	m.ObserveHTTP("/predict", http.MethodPost, http.StatusOK, 5*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `invpredict_prediction_requests_total{outcome="ok"} 1`)
	assert.Contains(t, body, `invpredict_http_requests_total{code="200",method="POST",route="/predict"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}
