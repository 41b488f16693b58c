package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Relay fans messages for a file out to every hub instance subscribed to it,
// including the one that published.
type Relay interface {
	Publish(ctx context.Context, fileID string, data []byte) error
	Subscribe(ctx context.Context, fileID string) (Subscription, error)
	Close() error
}

// Subscription delivers the messages of one file until closed.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

const subscriptionBuffer = 64

// LocalRelay is an in-process Relay for a single server.
type LocalRelay struct {
	mu   sync.Mutex
	subs map[string]map[*localSub]struct{}
}

// NewLocalRelay returns an empty relay.
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{subs: make(map[string]map[*localSub]struct{})}
}

type localSub struct {
	r      *LocalRelay
	fileID string
	ch     chan []byte
	once   sync.Once
}

func (s *localSub) C() <-chan []byte { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.r.mu.Lock()
		delete(s.r.subs[s.fileID], s)
		if len(s.r.subs[s.fileID]) == 0 {
			delete(s.r.subs, s.fileID)
		}
		s.r.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (r *LocalRelay) Publish(_ context.Context, fileID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.subs[fileID] {
		select {
		case s.ch <- data:
		default:
			// Slow subscriber; cursor state is superseded by the next update.
		}
	}
	return nil
}

func (r *LocalRelay) Subscribe(_ context.Context, fileID string) (Subscription, error) {
	s := &localSub{r: r, fileID: fileID, ch: make(chan []byte, subscriptionBuffer)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[fileID] == nil {
		r.subs[fileID] = make(map[*localSub]struct{})
	}
	r.subs[fileID][s] = struct{}{}
	return s, nil
}

func (r *LocalRelay) Close() error { return nil }

// RedisRelay relays through Redis Pub/Sub so that several servers can share
// rooms.
type RedisRelay struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisRelay wraps a connected client.
func NewRedisRelay(rdb *redis.Client, log *slog.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, log: log}
}

// Channel returns the Pub/Sub channel name for a file.
func Channel(fileID string) string { return "skillsync:file:" + fileID }

func (r *RedisRelay) Publish(ctx context.Context, fileID string, data []byte) error {
	if err := r.rdb.Publish(ctx, Channel(fileID), data).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", fileID, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, fileID string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, Channel(fileID))
	// Wait for the subscription to be confirmed so that nothing published
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", fileID, err)
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, subscriptionBuffer)}
	go s.forward(r.log.With("file", fileID))
	return s, nil
}

func (r *RedisRelay) Close() error { return r.rdb.Close() }

type redisSub struct {
	ps *redis.PubSub
	ch chan []byte
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error { return s.ps.Close() }

func (s *redisSub) forward(log *slog.Logger) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- []byte(msg.Payload):
		default:
			log.Debug("dropping relayed message for slow room")
		}
	}
}
