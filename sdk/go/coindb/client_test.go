package coindb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"PCGS-CoinDB/internal/api"
	"PCGS-CoinDB/internal/auth"
	"PCGS-CoinDB/internal/coin"
	"PCGS-CoinDB/internal/task"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, cert string) (coin.Payload, error) {
	return coin.Payload{"cert_number": cert, "grade": "PR69"}, nil
}

func newClient(t *testing.T, token string) (*Client, *task.Service) {
	t.Helper()
	tasks := task.NewService(task.NewMemoryStore(), nil)
	coins := coin.NewService(coin.NewMemoryStore(), nil)
	var opts []api.Option
	if token != "" {
		opts = append(opts, api.WithAuth(auth.NewService(token)))
	}
	srv := httptest.NewServer(api.NewServer("", tasks, coins, stubFetcher{}, opts...).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, tasks
}

func TestTaskRoundTrip(t *testing.T) {
	client, tasks := newClient(t, "")
	ctx := context.Background()

	one, err := client.Enqueue(ctx, "100")
	if err != nil || !one.Success {
		t.Fatalf("enqueue: %+v %v", one, err)
	}
	batch, err := client.EnqueueBatch(ctx, []string{"200", "300"})
	if err != nil || batch.Count != 2 {
		t.Fatalf("enqueue batch: %+v %v", batch, err)
	}

	claimed, _ := tasks.ClaimNext(ctx)
	_ = tasks.Complete(ctx, claimed, true, "")

	list, err := client.ListTasks(ctx, ListOptions{Statuses: []string{"pending"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Tasks) != 2 || list.Stats.Completed != 1 || list.Stats.Total != 3 {
		t.Fatalf("unexpected list: %+v", list)
	}

	got, err := client.GetTask(ctx, one.TaskID)
	if err != nil || got.Status != "completed" || got.CompletedAt == nil {
		t.Fatalf("get task: %+v %v", got, err)
	}

	cleared, err := client.ClearTasks(ctx)
	if err != nil || cleared.Deleted != 1 {
		t.Fatalf("clear: %+v %v", cleared, err)
	}

	err = client.DeleteTask(ctx, one.TaskID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "任务不存在" {
		t.Fatalf("expected 404 api error, got %v", err)
	}

	stats, err := client.Stats(ctx)
	if err != nil || stats.Pending != 2 {
		t.Fatalf("stats: %+v %v", stats, err)
	}
}

func TestCoinRoundTrip(t *testing.T) {
	client, _ := newClient(t, "")
	ctx := context.Background()

	res, err := client.Scrape(ctx, "555")
	if err != nil || !res.Success || res.Data["grade"] != "PR69" {
		t.Fatalf("scrape: %+v %v", res, err)
	}
	coins, err := client.ListCoins(ctx)
	if err != nil || coins.Total != 1 {
		t.Fatalf("list coins: %+v %v", coins, err)
	}
	c, err := client.GetCoin(ctx, "555")
	if err != nil || c.Grade != "PR69" || c.RawData == "" {
		t.Fatalf("get coin: %+v %v", c, err)
	}
	if err := client.DeleteCoin(ctx, "555"); err != nil {
		t.Fatalf("delete coin: %v", err)
	}
	if _, err := client.GetCoin(ctx, "555"); err == nil {
		t.Fatal("expected not found after delete")
	}
}

func TestAccessTokenIsSent(t *testing.T) {
	client, _ := newClient(t, "s3cret")
	ctx := context.Background()

	var apiErr *APIError
	if _, err := client.Enqueue(ctx, "1"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	client.SetAccessToken("s3cret")
	if _, err := client.Enqueue(ctx, "1"); err != nil {
		t.Fatalf("enqueue with token: %v", err)
	}
}
