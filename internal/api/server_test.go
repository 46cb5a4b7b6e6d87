package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"PCGS-CoinDB/internal/auth"
	"PCGS-CoinDB/internal/coin"
	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/scheduler"
	"PCGS-CoinDB/internal/task"
)

type fakeFetcher struct {
	err error
}

func (f fakeFetcher) Fetch(_ context.Context, cert string) (coin.Payload, error) {
	if f.err != nil {
		return nil, f.err
	}
	return coin.Payload{"grade": "MS65", "pcgs_#": "7296", "image_urls": []string{"https://img/1.jpg"}}, nil
}

type fixedState scheduler.State

func (s fixedState) State() scheduler.State { return scheduler.State(s) }

func newTestServer(t *testing.T, opts ...Option) (http.Handler, *task.Service, *coin.Service) {
	t.Helper()
	tasks := task.NewService(task.NewMemoryStore(), nil)
	coins := coin.NewService(coin.NewMemoryStore(), nil)
	srv := NewServer("127.0.0.1:0", tasks, coins, fakeFetcher{}, opts...)
	return srv.Handler(), tasks, coins
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestTaskEndpoints(t *testing.T) {
	h, tasks, _ := newTestServer(t)
	ctx := context.Background()

	rec, body := do(t, h, http.MethodPost, "/api/tasks", map[string]string{"cert_number": " 111 "})
	if rec.Code != http.StatusOK || body["message"] != "任务已添加: 111" {
		t.Fatalf("create: %d %v", rec.Code, body)
	}
	id := int64(body["task_id"].(float64))

	rec, body = do(t, h, http.MethodPost, "/api/tasks/batch", map[string][]string{"cert_numbers": {"222", " ", "333"}})
	if rec.Code != http.StatusOK || body["count"].(float64) != 2 || body["message"] != "已添加 2 个任务" {
		t.Fatalf("batch: %d %v", rec.Code, body)
	}

	claimed, _ := tasks.ClaimNext(ctx)
	_ = tasks.Complete(ctx, claimed, false, "timeout")

	rec, body = do(t, h, http.MethodGet, "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	stats := body["stats"].(map[string]any)
	if stats["total"].(float64) != 3 || stats["failed"].(float64) != 1 || stats["pending"].(float64) != 2 {
		t.Fatalf("unexpected stats: %v", stats)
	}
	if list := body["tasks"].([]any); len(list) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(list))
	}

	rec, body = do(t, h, http.MethodGet, "/api/tasks?status=failed", nil)
	if list := body["tasks"].([]any); rec.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("filtered list: %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/tasks?status=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status should be rejected, got %d", rec.Code)
	}

	rec, body = do(t, h, http.MethodGet, "/api/tasks/stats", nil)
	if rec.Code != http.StatusOK || body["completed"].(float64) != 0 {
		t.Fatalf("stats: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/tasks/"+itoa(id), nil)
	if rec.Code != http.StatusOK || body["error_message"] != "timeout" || body["status"] != "failed" {
		t.Fatalf("get: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodDelete, "/api/tasks", nil)
	if rec.Code != http.StatusOK || body["deleted"].(float64) != 1 || body["message"] != "已清理 1 个任务" {
		t.Fatalf("clear: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodDelete, "/api/tasks/"+itoa(id), nil)
	if rec.Code != http.StatusNotFound || body["detail"] != "任务不存在" {
		t.Fatalf("delete cleared task: %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodDelete, "/api/tasks/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid id should be 400, got %d", rec.Code)
	}
}

func TestTaskValidation(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec, body := do(t, h, http.MethodPost, "/api/tasks", map[string]string{"cert_number": "  "})
	if rec.Code != http.StatusBadRequest || body["detail"] != "证书号不能为空" {
		t.Fatalf("blank cert: %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodPost, "/api/tasks/batch", map[string][]string{"cert_numbers": {"", " "}})
	if rec.Code != http.StatusBadRequest || body["detail"] != "证书号列表不能为空" {
		t.Fatalf("blank batch: %d %v", rec.Code, body)
	}
}

func TestCoinEndpoints(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec, body := do(t, h, http.MethodPost, "/api/scrape", map[string]string{"cert_number": "40483953"})
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("scrape: %d %v", rec.Code, body)
	}
	if data := body["data"].(map[string]any); data["cert_number"] != "40483953" {
		t.Fatalf("scrape data should carry the cert number: %v", data)
	}

	rec, body = do(t, h, http.MethodGet, "/api/coins", nil)
	if rec.Code != http.StatusOK || body["total"].(float64) != 1 {
		t.Fatalf("list coins: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/coins/40483953", nil)
	if rec.Code != http.StatusOK || body["grade"] != "MS65" || body["pcgs_number"] != "7296" || body["image_url"] != "https://img/1.jpg" {
		t.Fatalf("get coin: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodDelete, "/api/coins/40483953", nil)
	if rec.Code != http.StatusOK || body["message"] != "证书记录已删除" {
		t.Fatalf("delete coin: %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodGet, "/api/coins/40483953", nil)
	if rec.Code != http.StatusNotFound || body["detail"] != "Coin not found" {
		t.Fatalf("missing coin: %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodDelete, "/api/coins/40483953", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("delete missing coin: %d", rec.Code)
	}
}

func TestScrapeErrors(t *testing.T) {
	tasks := task.NewService(task.NewMemoryStore(), nil)
	coins := coin.NewService(coin.NewMemoryStore(), nil)
	fetchErr := xerrors.Wrap(xerrors.CodeFetchFailure, errors.New("net::ERR_TIMED_OUT"), "页面加载失败")
	h := NewServer("", tasks, coins, fakeFetcher{err: fetchErr}).Handler()

	rec, body := do(t, h, http.MethodPost, "/api/scrape", map[string]string{"cert_number": " "})
	if rec.Code != http.StatusBadRequest || body["detail"] != "证书号不能为空" {
		t.Fatalf("blank scrape: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/api/scrape", map[string]string{"cert_number": "1"})
	if rec.Code != http.StatusInternalServerError || body["detail"] != "页面加载失败" || body["code"] != "FETCH_FAILURE" {
		t.Fatalf("failed scrape: %d %v", rec.Code, body)
	}
	if list, _ := coins.List(context.Background()); len(list) != 0 {
		t.Fatalf("failed scrape must not save a record")
	}
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	h, _, _ := newTestServer(t, WithScheduler(fixedState(scheduler.StateRunning)))

	rec, body := do(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || body["scheduler"] != "running" {
		t.Fatalf("healthz: %d %v", rec.Code, body)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatal("response should carry a request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "abc" {
		t.Fatalf("incoming request id should be echoed, got %q", rec.Header().Get(RequestIDHeader))
	}

	rec, _ = do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "coindb_http_requests_total") {
		t.Fatalf("metrics endpoint missing collectors: %d", rec.Code)
	}
}

func TestTokenGuardsMutations(t *testing.T) {
	h, _, _ := newTestServer(t, WithAuth(auth.NewService("secret")))

	if rec, _ := do(t, h, http.MethodGet, "/api/tasks", nil); rec.Code != http.StatusOK {
		t.Fatalf("reads should stay open, got %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/tasks", map[string]string{"cert_number": "1"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"cert_number":"1"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorised create failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStaticPages(t *testing.T) {
	static := t.TempDir()
	images := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>coins</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(static, "tasks.html"), []byte("<h1>tasks</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(static, "app.js"), []byte("load()"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(images, "1_1.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, _, _ := newTestServer(t, WithStaticDir(static), WithImagesDir(images))

	for path, want := range map[string]string{
		"/":                    "<h1>coins</h1>",
		"/tasks":               "<h1>tasks</h1>",
		"/static/app.js":       "load()",
		"/data/images/1_1.jpg": "jpeg",
	} {
		rec, _ := do(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Errorf("%s: %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
