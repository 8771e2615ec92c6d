package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	connKeyPrefix      = "registry:conn:"
	containerKeyPrefix = "registry:container:"
	sessionsKey        = "registry:sessions"
	maxTxRetries       = 5
)

// Store persists container connections keyed by session id with a reverse
// container id index. Update must be an atomic read-modify-write.
type Store interface {
	Put(ctx context.Context, conn *models.ContainerConnection) error
	Get(ctx context.Context, sessionID string) (*models.ContainerConnection, error)
	Delete(ctx context.Context, sessionID string) error
	SessionForContainer(ctx context.Context, containerID string) (string, error)
	Update(ctx context.Context, sessionID string, fn func(*models.ContainerConnection)) error
	List(ctx context.Context) ([]*models.ContainerConnection, error)
}

// InMemoryStore is a process-local Store for single-instance deployments and tests.
// It is thread-safe.
type InMemoryStore struct {
	mu          sync.Mutex
	conns       map[string]models.ContainerConnection
	byContainer map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conns:       make(map[string]models.ContainerConnection),
		byContainer: make(map[string]string),
	}
}

func (s *InMemoryStore) Put(ctx context.Context, conn *models.ContainerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.conns[conn.SessionID]; ok && old.ContainerID != conn.ContainerID {
		delete(s.byContainer, old.ContainerID)
	}
	s.conns[conn.SessionID] = *conn
	s.byContainer[conn.ContainerID] = conn.SessionID
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (*models.ContainerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &conn, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[sessionID]; ok {
		delete(s.byContainer, conn.ContainerID)
		delete(s.conns, sessionID)
	}
	return nil
}

func (s *InMemoryStore) SessionForContainer(ctx context.Context, containerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.byContainer[containerID]
	if !ok {
		return "", ErrNotFound
	}
	return sessionID, nil
}

func (s *InMemoryStore) Update(ctx context.Context, sessionID string, fn func(*models.ContainerConnection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(&conn)
	s.conns[sessionID] = conn
	return nil
}

func (s *InMemoryStore) List(ctx context.Context) ([]*models.ContainerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ContainerConnection, 0, len(s.conns))
	for _, conn := range s.conns {
		c := conn
		out = append(out, &c)
	}
	return out, nil
}

// RedisStore shares the registry between every orchestrator instance.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func connKey(sessionID string) string { return connKeyPrefix + sessionID }
func containerKey(containerID string) string { return containerKeyPrefix + containerID }

func (s *RedisStore) Put(ctx context.Context, conn *models.ContainerConnection) error {
	payload, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}

	old, err := s.Get(ctx, conn.SessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil && old.ContainerID != conn.ContainerID {
			pipe.Del(ctx, containerKey(old.ContainerID))
		}
		pipe.Set(ctx, connKey(conn.SessionID), payload, 0)
		pipe.Set(ctx, containerKey(conn.ContainerID), conn.SessionID, 0)
		pipe.SAdd(ctx, sessionsKey, conn.SessionID)
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*models.ContainerConnection, error) {
	raw, err := s.rdb.Get(ctx, connKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conn models.ContainerConnection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, fmt.Errorf("failed to decode connection %s: %w", sessionID, err)
	}
	return &conn, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	conn, err := s.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(sessionID))
		if conn != nil {
			pipe.Del(ctx, containerKey(conn.ContainerID))
		}
		pipe.SRem(ctx, sessionsKey, sessionID)
		return nil
	})
	return err
}

func (s *RedisStore) SessionForContainer(ctx context.Context, containerID string) (string, error) {
	sessionID, err := s.rdb.Get(ctx, containerKey(containerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return sessionID, err
}

// Update retries on concurrent modification of the watched key.
func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(*models.ContainerConnection)) error {
	key := connKey(sessionID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var conn models.ContainerConnection
		if err := json.Unmarshal(raw, &conn); err != nil {
			return fmt.Errorf("failed to decode connection %s: %w", sessionID, err)
		}
		fn(&conn)
		payload, err := json.Marshal(&conn)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too much contention", sessionID)
}

func (s *RedisStore) List(ctx context.Context) ([]*models.ContainerConnection, error) {
	ids, err := s.rdb.SMembers(ctx, sessionsKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = connKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*models.ContainerConnection, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// set entry outlived its connection key
			s.rdb.SRem(ctx, sessionsKey, ids[i])
			continue
		}
		var conn models.ContainerConnection
		if err := json.Unmarshal([]byte(str), &conn); err != nil {
			continue
		}
		out = append(out, &conn)
	}
	return out, nil
}
