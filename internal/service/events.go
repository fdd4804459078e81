package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/usecase"
)

const channelPrefix = "canvasd:events:"

// EventService logs engine and pipeline events and fans them out over redis pub/sub.
type EventService struct {
	rdb *redis.Client
}

func NewEventService(redisClient *redis.Client) *EventService {
	return &EventService{
		rdb: redisClient,
	}
}

func Channel(owner string) string {
	return channelPrefix + owner
}

func (s *EventService) Emit(ctx context.Context, event domain.Event) {
	attrs := []any{
		slog.String("event", event.Type),
		slog.String("owner", event.Owner),
		slog.String("module", "events"),
	}
	if event.EntityID != "" {
		attrs = append(attrs, slog.String("entity", event.EntityID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs, slog.String("traceID", sc.TraceID().String()))
	}

	switch {
	case event.Error != "":
		slog.WarnContext(ctx, "canvas event", attrs...)
	case strings.HasPrefix(event.Type, "change."):
		slog.DebugContext(ctx, "canvas event", attrs...)
	default:
		slog.InfoContext(ctx, "canvas event", attrs...)
	}

	if s.rdb == nil {
		return
	}

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return
	}

	err = s.rdb.Publish(context.WithoutCancel(ctx), Channel(event.Owner), jsonstr).Err()
	if err != nil {
		slog.WarnContext(
			ctx, "failed to publish event",
			slog.String("error", err.Error()),
			slog.String("module", "events"),
		)
	}
}

// Realtime forwards events of the owners most recently sent on input to output
// until ctx is done. Each message on input replaces the subscription set.
func (s *EventService) Realtime(ctx context.Context, input <-chan []string, output chan<- domain.Event) {
	if s.rdb == nil {
		<-ctx.Done()
		return
	}

	pubsub := s.rdb.Subscribe(ctx)
	defer pubsub.Close()

	var current []string
	messages := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case owners, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			if len(current) > 0 {
				if err := pubsub.Unsubscribe(ctx, current...); err != nil {
					slog.WarnContext(ctx, "unsubscribe failed", slog.String("error", err.Error()), slog.String("module", "events"))
				}
			}
			current = current[:0]
			for _, owner := range owners {
				current = append(current, Channel(owner))
			}
			if len(current) > 0 {
				if err := pubsub.Subscribe(ctx, current...); err != nil {
					slog.WarnContext(ctx, "subscribe failed", slog.String("error", err.Error()), slog.String("module", "events"))
				}
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case output <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, domain.Event) {}

var (
	_ usecase.EventSink = (*EventService)(nil)
	_ usecase.EventSink = NopSink{}
)
