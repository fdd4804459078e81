package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/totegamma/canvasd/internal/domain"
)

func TestEmitPublishesToOwnerChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, Channel("alice"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc := NewEventService(rdb)
	svc.Emit(ctx, domain.Event{Type: domain.EventSaveSucceeded, Owner: "alice"})

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "canvasd:events:alice" {
			t.Fatalf("unexpected channel %s", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message published")
	}
}

func TestRealtimeForwardsSubscribedOwners(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	svc := NewEventService(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []string)
	output := make(chan domain.Event, 4)
	go svc.Realtime(ctx, input, output)
	input <- []string{"bob"}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.Emit(ctx, domain.Event{Type: domain.EventEngineReady, Owner: "bob"})
		select {
		case ev := <-output:
			if ev.Owner != "bob" || ev.Type != domain.EventEngineReady {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatalf("event never forwarded")
}

func TestEmitWithoutRedisOnlyLogs(t *testing.T) {
	svc := NewEventService(nil)
	svc.Emit(context.Background(), domain.Event{Type: domain.EventSaveFailed, Owner: "alice", Error: "boom"})
	NopSink{}.Emit(context.Background(), domain.Event{})
}
