package watchbus

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T, opts ...RedisOption) (*RedisWatchBus, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisWatchBus(client, opts...)
	bus.block = 50 * time.Millisecond
	return bus, mr, client
}

func expectMsg(t *testing.T, ch chan []byte, want string) {
	t.Helper()
	select {
	case msg := <-ch:
		if string(msg) != want {
			t.Fatalf("expected %q, got %q", want, msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func TestRedisWatchBus(t *testing.T) {
	bus, mr, _ := newRedisBus(t)
	ctx := context.Background()

	// history before Watch is not replayed
	if err := bus.Publish(ctx, "workbook:w1", []byte("old")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ch, err := bus.Watch(ctx, "workbook:w1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "workbook:w1", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "workbook:w1", []byte("b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMsg(t, ch, "a")
	expectMsg(t, ch, "b")

	if !mr.Exists("watch:workbook:w1") {
		t.Fatal("expected prefixed stream")
	}

	if err := bus.Unwatch(ctx, "workbook:w1", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			// a buffered message may still be drained; the close must follow
			<-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unwatch")
	}
}

func TestRedisWatchBusAcrossClients(t *testing.T) {
	bus1, mr, _ := newRedisBus(t, WithStreamPrefix("solves:watch:"))
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	bus2 := NewRedisWatchBus(client2, WithStreamPrefix("solves:watch:"))
	bus2.block = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus2.Watch(ctx, "todo:u1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus1.Publish(ctx, "todo:u1", []byte(`{"type":"created"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMsg(t, ch, `{"type":"created"}`)
}
