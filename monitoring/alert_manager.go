package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invpredict/training"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	Warning  AlertLevel = "warning"
	Critical AlertLevel = "critical"
)

// Channel types understood by the alert system.
const (
	ChannelWebhook  = "webhook"
	ChannelFeishu   = "feishu"
	ChannelDingding = "dingding"
)

// Alert 告警结构
type Alert struct {
	ID        string            `json:"id"`
	Level     AlertLevel        `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AlertChannel 告警渠道配置. Webhook receives the raw Alert as JSON; feishu and
// dingding receive their bot text message formats.
type AlertChannel struct {
	Type    string `yaml:"type"`
	Webhook string `yaml:"webhook"`
	// Cooldown is the minimum gap between two alerts on this channel.
	Cooldown   time.Duration `yaml:"cooldown"`
	MaxPerHour int           `yaml:"max_per_hour"`
}

func (c AlertChannel) Validate() error {
	switch c.Type {
	case ChannelWebhook, ChannelFeishu, ChannelDingding:
	default:
		return fmt.Errorf("unknown alert channel type %q", c.Type)
	}
	if c.Webhook == "" {
		return errors.New("alert channel webhook is empty")
	}
	return nil
}

// rateTracker 限流追踪器
type rateTracker struct {
	hourCount int
	hourStart time.Time
	lastSent  time.Time
}

// AlertSystem 告警系统. It observes training jobs and notifies every
// configured channel when one fails.
type AlertSystem struct {
	mu       sync.Mutex
	channels map[string]AlertChannel
	trackers map[string]*rateTracker
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
	pending  sync.WaitGroup
}

// NewAlertSystem 创建告警系统
func NewAlertSystem(channels map[string]AlertChannel, logger *zap.Logger) *AlertSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	copied := make(map[string]AlertChannel, len(channels))
	for name, ch := range channels {
		copied[name] = ch
	}
	return &AlertSystem{
		channels: copied,
		trackers: make(map[string]*rateTracker),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		now:      time.Now,
	}
}

// JobUpdated sends a critical alert for failed jobs. Delivery happens off the
// runner's goroutine.
func (a *AlertSystem) JobUpdated(job training.Job) {
	if job.Status != training.StatusFailed || len(a.channels) == 0 {
		return
	}
	alert := &Alert{
		Level:   Critical,
		Title:   "training job failed",
		Message: job.Error,
		Source:  "training",
		Metadata: map[string]string{
			"job_id":    job.ID,
			"algorithm": job.Algorithm,
		},
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.SendAlert(ctx, alert); err != nil {
			a.logger.Warn("alert delivery failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until alerts in flight are delivered or have failed.
func (a *AlertSystem) Wait() {
	a.pending.Wait()
}

// SendAlert 发送告警 to every channel whose rate limit allows it.
func (a *AlertSystem) SendAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now().UTC()
	}

	names := make([]string, 0, len(a.channels))
	for name := range a.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		channel := a.channels[name]
		if !a.allow(name, channel) {
			a.logger.Debug("alert rate limited", zap.String("channel", name))
			continue
		}
		if err := a.deliver(ctx, channel, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		a.logger.Info("alert sent",
			zap.String("channel", name),
			zap.String("alert_id", alert.ID),
			zap.String("level", string(alert.Level)),
		)
	}
	return errors.Join(errs...)
}

func (a *AlertSystem) allow(name string, channel AlertChannel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	tracker, ok := a.trackers[name]
	if !ok {
		tracker = &rateTracker{hourStart: now}
		a.trackers[name] = tracker
	}
	if now.Sub(tracker.hourStart) >= time.Hour {
		tracker.hourCount = 0
		tracker.hourStart = now
	}
	if channel.MaxPerHour > 0 && tracker.hourCount >= channel.MaxPerHour {
		return false
	}
	if channel.Cooldown > 0 && !tracker.lastSent.IsZero() && now.Sub(tracker.lastSent) < channel.Cooldown {
		return false
	}
	tracker.hourCount++
	tracker.lastSent = now
	return true
}

func (a *AlertSystem) deliver(ctx context.Context, channel AlertChannel, alert *Alert) error {
	var payload any
	switch channel.Type {
	case ChannelFeishu:
		payload = map[string]any{
			"msg_type": "text",
			"content":  map[string]string{"text": formatAlert(alert)},
		}
	case ChannelDingding:
		payload = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": formatAlert(alert)},
		}
	default:
		payload = alert
	}
	return a.post(ctx, channel.Webhook, payload)
}

// formatAlert 构建文本告警
func formatAlert(alert *Alert) string {
	text := fmt.Sprintf("告警通知\n\n级别: %s\n标题: %s\n内容: %s\n时间: %s",
		alert.Level, alert.Title, alert.Message,
		alert.Timestamp.Format("2006-01-02 15:04:05"))
	if id := alert.Metadata["job_id"]; id != "" {
		text += "\n任务: " + id
	}
	return text
}

func (a *AlertSystem) post(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
