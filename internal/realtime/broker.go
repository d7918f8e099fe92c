package realtime

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

// Broker carries task change events between publishers (task service,
// worker, external workflow engine) and WebSocket subscribers.
type Broker interface {
	tasks.ChangeNotifier
	// Subscribe streams decoded events until ctx is done; the channel is
	// then closed.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// RedisBroker uses Redis pub/sub so every server instance sees every change.
type RedisBroker struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisBroker(rdb redis.UniversalClient, channel string) *RedisBroker {
	return &RedisBroker{rdb: rdb, channel: channel}
}

func (b *RedisBroker) TaskChanged(ctx context.Context, change tasks.ChangeType, t *tasks.Task) error {
	raw, err := NewEvent(change, t).Encode()
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Event, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so no event is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				e, err := Decode([]byte(m.Payload))
				if err != nil {
					log.GetLogger().WithError(err).Warn("drop realtime event")
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryBroker fans events out in-process. Used when Redis is not
// configured and in tests.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[chan Event]struct{})}
}

func (b *MemoryBroker) TaskChanged(ctx context.Context, change tasks.ChangeType, t *tasks.Task) error {
	// round-trip through the wire format so subscribers see what Redis
	// subscribers would
	raw, err := NewEvent(change, t).Encode()
	if err != nil {
		return err
	}
	e, err := Decode(raw)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.GetLogger().WithField("task_id", t.ID).Warn("realtime subscriber lagging, event dropped")
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
