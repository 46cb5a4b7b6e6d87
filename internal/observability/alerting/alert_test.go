package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "PCGS-CoinDB/internal/errors"
)

func TestFromErrorHonoursAlertAttribute(t *testing.T) {
	storage := xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("disk full"), "保存失败",
		xerrors.WithMetadata("table", "coins"))
	event, ok := FromError("save", storage)
	if !ok {
		t.Fatal("storage failures should alert")
	}
	if event.Code != xerrors.CodeStorageFailure || event.Stage != "save" || event.Metadata["table"] != "coins" {
		t.Fatalf("unexpected event: %+v", event)
	}

	if _, ok := FromError("fetch", xerrors.New(xerrors.CodeFetchFailure, "boom")); ok {
		t.Fatal("fetch failures must not alert")
	}
	if _, ok := FromError("x", nil); ok {
		t.Fatal("nil error must not alert")
	}
}

func TestWebhookFormats(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		bodies = append(bodies, body)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	event := Event{Code: xerrors.CodeStorageFailure, Severity: xerrors.SeverityCritical, Stage: "claim", Message: "db down"}
	for _, format := range []string{FormatJSON, FormatSlack, FormatDingTalk} {
		n, err := NewWebhookNotifier("", srv.URL+"/"+format, format, srv.Client())
		if err != nil {
			t.Fatalf("new %s: %v", format, err)
		}
		if err := n.Notify(context.Background(), event); err != nil {
			t.Fatalf("notify %s: %v", format, err)
		}
	}
	if bodies[0]["code"] != "STORAGE_FAILURE" {
		t.Fatalf("json body: %v", bodies[0])
	}
	if text, _ := bodies[1]["text"].(string); !strings.Contains(text, "db down") {
		t.Fatalf("slack body: %v", bodies[1])
	}
	if bodies[2]["msgtype"] != "text" {
		t.Fatalf("dingtalk body: %v", bodies[2])
	}

	if _, err := NewWebhookNotifier("x", "", "", nil); err == nil {
		t.Fatal("empty url should be rejected")
	}
	if _, err := NewWebhookNotifier("x", srv.URL, "teams", nil); err == nil {
		t.Fatal("unknown format should be rejected")
	}

	failing, _ := NewWebhookNotifier("broken", srv.URL+"/fail", "", srv.Client())
	fanout := NewFanout(LogNotifier{}, failing, nil)
	if err := fanout.Notify(context.Background(), event); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("fanout should surface the failing channel, got %v", err)
	}
}
