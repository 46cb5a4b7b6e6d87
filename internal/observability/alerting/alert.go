package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/pkg/logger"
)

// Webhook 消息格式。
const (
	FormatJSON     = "json"
	FormatSlack    = "slack"
	FormatDingTalk = "dingtalk"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Stage      string            `json:"stage"`
	TaskID     int64             `json:"task_id,omitempty"`
	CertNumber string            `json:"cert_number,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromError 在错误码登记为需要告警时构造事件，否则返回 false。
func FromError(stage string, err error) (Event, bool) {
	if err == nil {
		return Event{}, false
	}
	code := xerrors.CodeOf(err)
	if !xerrors.AttributesOf(code).Alert {
		return Event{}, false
	}
	event := Event{
		Code:       code,
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Stage:      stage,
		OccurredAt: time.Now().UTC(),
	}
	if xe, ok := xerrors.From(err); ok {
		event.Metadata = xe.Metadata()
	}
	return event, true
}

// text 渲染为适合聊天工具的单段文本。
func (e Event) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s @ %s: %s", e.Severity, e.Code, e.Stage, e.Message)
	if e.TaskID != 0 {
		fmt.Fprintf(&b, "\n任务: %d (%s)", e.TaskID, e.CertNumber)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, e.Metadata[k])
		}
	}
	return b.String()
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，忽略 nil。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 把告警写入进程日志与审计日志。
type LogNotifier struct{}

// Name 返回渠道名。
func (LogNotifier) Name() string { return "log" }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("stage", event.Stage),
		slog.Int64("task_id", event.TaskID),
		slog.String("cert_number", event.CertNumber),
		slog.String("message", event.Message),
	}
	logger.Named("alerting").Error("alert", attrs...)
	logger.Audit().Warn("alert", attrs...)
	return nil
}

// WebhookNotifier 通过 HTTP POST 投递告警，支持 Slack 与钉钉的入站机器人格式。
type WebhookNotifier struct {
	name   string
	url    string
	format string
	client *http.Client
}

// NewWebhookNotifier 创建 webhook 通知器。format 为空时发送事件 JSON。
func NewWebhookNotifier(name, url, format string, client *http.Client) (*WebhookNotifier, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url 不能为空")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatSlack, FormatDingTalk:
	default:
		return nil, fmt.Errorf("不支持的 webhook 格式: %s", format)
	}
	if name == "" {
		name = format
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{name: name, url: url, format: format, client: client}, nil
}

// Name 返回渠道名。
func (n *WebhookNotifier) Name() string { return n.name }

// Notify 发送告警，非 2xx 视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	var body any
	switch n.format {
	case FormatSlack:
		body = map[string]string{"text": event.text()}
	case FormatDingTalk:
		body = map[string]any{"msgtype": "text", "text": map[string]string{"content": event.text()}}
	default:
		body = event
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
