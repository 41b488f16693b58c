package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"skillsync/internal/collab"
)

// Registry tracks which users have a connection in which file. A user with
// several connections is listed once.
type Registry interface {
	Join(ctx context.Context, fileID, connID string, u collab.OnlineUser) ([]collab.OnlineUser, error)
	// Leave removes a connection. last reports whether it was the user's
	// final connection to the file.
	Leave(ctx context.Context, fileID, connID string) (users []collab.OnlineUser, last bool, err error)
	Users(ctx context.Context, fileID string) ([]collab.OnlineUser, error)
}

func distinct(conns map[string]collab.OnlineUser) []collab.OnlineUser {
	seen := make(map[string]collab.OnlineUser, len(conns))
	for _, u := range conns {
		if prev, ok := seen[u.UserID]; ok && prev.Username != "" {
			continue
		}
		seen[u.UserID] = u
	}
	users := make([]collab.OnlineUser, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func hasUser(conns map[string]collab.OnlineUser, userID string) bool {
	for _, u := range conns {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

// LocalRegistry keeps presence in memory.
type LocalRegistry struct {
	mu    sync.Mutex
	files map[string]map[string]collab.OnlineUser
}

// NewLocalRegistry returns an empty registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{files: make(map[string]map[string]collab.OnlineUser)}
}

func (r *LocalRegistry) Join(_ context.Context, fileID, connID string, u collab.OnlineUser) ([]collab.OnlineUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.files[fileID]
	if conns == nil {
		conns = make(map[string]collab.OnlineUser)
		r.files[fileID] = conns
	}
	conns[connID] = u
	return distinct(conns), nil
}

func (r *LocalRegistry) Leave(_ context.Context, fileID, connID string) ([]collab.OnlineUser, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.files[fileID]
	u, ok := conns[connID]
	if !ok {
		return distinct(conns), false, nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.files, fileID)
	}
	return distinct(conns), !hasUser(conns, u.UserID), nil
}

func (r *LocalRegistry) Users(_ context.Context, fileID string) ([]collab.OnlineUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return distinct(r.files[fileID]), nil
}

// RedisRegistry keeps presence in one Redis hash per file, keyed by
// connection id, so every server sees the same list.
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry wraps a connected client.
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

// PresenceKey returns the hash key for a file.
func PresenceKey(fileID string) string { return "skillsync:presence:" + fileID }

func (r *RedisRegistry) load(ctx context.Context, fileID string) (map[string]collab.OnlineUser, error) {
	raw, err := r.rdb.HGetAll(ctx, PresenceKey(fileID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", fileID, err)
	}
	conns := make(map[string]collab.OnlineUser, len(raw))
	for connID, v := range raw {
		var u collab.OnlineUser
		if err := json.Unmarshal([]byte(v), &u); err != nil || u.UserID == "" {
			continue
		}
		conns[connID] = u
	}
	return conns, nil
}

func (r *RedisRegistry) Join(ctx context.Context, fileID, connID string, u collab.OnlineUser) ([]collab.OnlineUser, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	if err := r.rdb.HSet(ctx, PresenceKey(fileID), connID, data).Err(); err != nil {
		return nil, fmt.Errorf("registry: join %s: %w", fileID, err)
	}
	conns, err := r.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return distinct(conns), nil
}

func (r *RedisRegistry) Leave(ctx context.Context, fileID, connID string) ([]collab.OnlineUser, bool, error) {
	key := PresenceKey(fileID)
	v, err := r.rdb.HGet(ctx, key, connID).Result()
	if err == redis.Nil {
		users, err := r.Users(ctx, fileID)
		return users, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("registry: leave %s: %w", fileID, err)
	}
	var u collab.OnlineUser
	_ = json.Unmarshal([]byte(v), &u)
	if err := r.rdb.HDel(ctx, key, connID).Err(); err != nil {
		return nil, false, fmt.Errorf("registry: leave %s: %w", fileID, err)
	}
	conns, err := r.load(ctx, fileID)
	if err != nil {
		return nil, false, err
	}
	return distinct(conns), !hasUser(conns, u.UserID), nil
}

func (r *RedisRegistry) Users(ctx context.Context, fileID string) ([]collab.OnlineUser, error) {
	conns, err := r.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return distinct(conns), nil
}
