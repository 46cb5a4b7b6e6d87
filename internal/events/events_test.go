package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestRedisPublisherKeepsCappedHistory(t *testing.T) {
	srv := startMiniRedis(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(ctx, RedisConfig{Address: srv.Addr(), Channel: "test:events", HistoryLimit: 2})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	for i := int64(1); i <= 3; i++ {
		if err := pub.Publish(ctx, Event{Type: TaskEnqueued, TaskID: i, OccurredAt: time.Now()}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	recent, err := pub.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("history should be capped at 2, got %d", len(recent))
	}
	if recent[0].TaskID != 3 || recent[1].TaskID != 2 {
		t.Fatalf("unexpected history order: %+v", recent)
	}
	if !srv.Exists("test:events:history") {
		t.Fatal("history key missing")
	}
}

func TestRedisPublisherBroadcasts(t *testing.T) {
	srv := startMiniRedis(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	sub := client.Subscribe(ctx, "coindb:events")
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub, err := NewRedisPublisher(ctx, RedisConfig{Address: srv.Addr()})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	if err := pub.Publish(ctx, Event{Type: CoinSaved, CertNumber: "12345678"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != CoinSaved || got.CertNumber != "12345678" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNewRedisPublisherRequiresAddress(t *testing.T) {
	if _, err := NewRedisPublisher(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(context.Context, Event) error { return errors.New("down") }
func (f *failingPublisher) Close() error {
	f.closed = true
	return nil
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	mem := NewMemoryPublisher()
	bad := &failingPublisher{}
	fan := NewFanout(Named{Name: "bad", Publisher: bad}, Named{Name: "memory", Publisher: mem}, Named{Name: "nil"})

	if fan.Len() != 2 {
		t.Fatalf("nil publishers should be skipped, got %d", fan.Len())
	}
	err := fan.Publish(context.Background(), Event{Type: TaskFailed, TaskID: 9})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if got := mem.Types(); len(got) != 1 || got[0] != TaskFailed {
		t.Fatalf("memory publisher should still receive the event: %v", got)
	}
	if err := fan.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bad.closed {
		t.Fatal("close should reach every publisher")
	}
}

func TestEmitStampsTimeAndSwallowsErrors(t *testing.T) {
	mem := NewMemoryPublisher()
	Emit(context.Background(), mem, Event{Type: TaskStarted, TaskID: 1})
	Emit(context.Background(), &failingPublisher{}, Event{Type: TaskStarted})
	Emit(context.Background(), nil, Event{Type: TaskStarted})

	got := mem.Events()
	if len(got) != 1 || got[0].OccurredAt.IsZero() {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestMemoryPublisherSubscribe(t *testing.T) {
	mem := NewMemoryPublisher()
	ch := mem.Subscribe(1)
	if err := mem.Publish(context.Background(), Event{Type: TasksCleared}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if e := <-ch; e.Type != TasksCleared {
		t.Fatalf("unexpected event: %+v", e)
	}
	mem.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if err := mem.Publish(context.Background(), Event{Type: TasksCleared}); err == nil {
		t.Fatal("publish after close should fail")
	}
}
