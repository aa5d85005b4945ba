package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invpredict/training"
)

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (r *webhookRecorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		r.mu.Lock()
		r.payloads = append(r.payloads, payload)
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *webhookRecorder) received() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.payloads...)
}

func TestAlertOnFailedJob(t *testing.T) {
	generic, feishu := &webhookRecorder{}, &webhookRecorder{}
	genericSrv := httptest.NewServer(generic.handler(http.StatusOK))
	defer genericSrv.Close()
	feishuSrv := httptest.NewServer(feishu.handler(http.StatusOK))
	defer feishuSrv.Close()

	alerts := NewAlertSystem(map[string]AlertChannel{
		"ops":  {Type: ChannelWebhook, Webhook: genericSrv.URL},
		"chat": {Type: ChannelFeishu, Webhook: feishuSrv.URL},
	}, nil)

	alerts.JobUpdated(training.Job{ID: "job-1", Status: training.StatusSucceeded})
	alerts.JobUpdated(training.Job{ID: "job-2", Status: training.StatusFailed, Algorithm: "linear", Error: "fit: singular matrix"})
	alerts.Wait()

	got := generic.received()
	require.Len(t, got, 1)
	assert.Equal(t, "critical", got[0]["level"])
	assert.Equal(t, "fit: singular matrix", got[0]["message"])
	assert.Equal(t, "job-2", got[0]["metadata"].(map[string]any)["job_id"])

	chat := feishu.received()
	require.Len(t, chat, 1)
	assert.Equal(t, "text", chat[0]["msg_type"])
	assert.Contains(t, chat[0]["content"].(map[string]any)["text"], "job-2")
}

func TestAlertRateLimit(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	alerts := NewAlertSystem(map[string]AlertChannel{
		"ops": {Type: ChannelDingding, Webhook: srv.URL, Cooldown: time.Minute, MaxPerHour: 2},
	}, nil)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	alerts.now = func() time.Time { return now }

	send := func() {
		require.NoError(t, alerts.SendAlert(context.Background(), &Alert{Level: Warning, Title: "t"}))
	}

	send()
	send() // cooldown
	now = now.Add(2 * time.Minute)
	send()
	now = now.Add(2 * time.Minute)
	send() // hourly cap
	now = now.Add(time.Hour)
	send()

	got := rec.received()
	require.Len(t, got, 3)
	assert.Equal(t, "text", got[0]["msgtype"])
}

func TestAlertDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	alerts := NewAlertSystem(map[string]AlertChannel{
		"ops": {Type: ChannelWebhook, Webhook: srv.URL},
	}, nil)
	err := alerts.SendAlert(context.Background(), &Alert{Level: Critical, Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestAlertChannelValidate(t *testing.T) {
	assert.NoError(t, AlertChannel{Type: ChannelFeishu, Webhook: "http://x"}.Validate())
	assert.Error(t, AlertChannel{Type: "email", Webhook: "http://x"}.Validate())
	assert.Error(t, AlertChannel{Type: ChannelWebhook}.Validate())
}
