package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amirsofali3/TB/internal/models"
)

const (
	// positionKeyPrefix namespaces snapshot keys: tb:position:{symbol}:{id}
	positionKeyPrefix = "tb:position"
	// positionSnapshotTTL keeps stale snapshots from accumulating; open
	// positions are re-snapshotted on every transition.
	positionSnapshotTTL = 7 * 24 * time.Hour
)

// PositionSnapshotStore keeps the live state of open positions in Redis so
// it survives process restarts. When Redis is unavailable it degrades to an
// in-memory cache and trading continues uninterrupted.
type PositionSnapshotStore struct {
	client    *redis.Client
	mu        sync.RWMutex
	fallback  map[string]*models.Position
	available atomic.Bool
}

// NewPositionSnapshotStore connects to Redis; a failed ping only disables
// the Redis tier, it is not an error.
func NewPositionSnapshotStore(addr, password string, db int) *PositionSnapshotStore {
	s := &PositionSnapshotStore{fallback: make(map[string]*models.Position)}
	if addr == "" {
		return s
	}
	s.client = redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.available.Store(s.client.Ping(ctx).Err() == nil)
	return s
}

// Available reports whether the Redis tier is currently reachable.
func (s *PositionSnapshotStore) Available() bool { return s.available.Load() }

func positionKey(p *models.Position) string {
	return fmt.Sprintf("%s:%s:%s", positionKeyPrefix, p.Symbol, p.ID)
}

// Save snapshots one position. Closed positions are removed instead.
func (s *PositionSnapshotStore) Save(ctx context.Context, pos *models.Position) error {
	cp := *pos

	s.mu.Lock()
	if cp.IsOpen() {
		s.fallback[cp.ID] = &cp
	} else {
		delete(s.fallback, cp.ID)
	}
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	key := positionKey(&cp)
	var err error
	if cp.IsOpen() {
		var data []byte
		if data, err = json.Marshal(&cp); err != nil {
			return fmt.Errorf("encode position snapshot: %w", err)
		}
		err = s.client.Set(ctx, key, data, positionSnapshotTTL).Err()
	} else {
		err = s.client.Del(ctx, key).Err()
	}
	s.available.Store(err == nil)
	return err
}

// LoadOpen returns every snapshotted open position, preferring Redis and
// falling back to the in-memory cache.
func (s *PositionSnapshotStore) LoadOpen(ctx context.Context) ([]*models.Position, error) {
	if s.client != nil {
		positions, err := s.loadFromRedis(ctx)
		if err == nil {
			s.available.Store(true)
			return positions, nil
		}
		s.available.Store(false)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Position, 0, len(s.fallback))
	for _, p := range s.fallback {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *PositionSnapshotStore) loadFromRedis(ctx context.Context) ([]*models.Position, error) {
	var positions []*models.Position
	iter := s.client.Scan(ctx, 0, positionKeyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var pos models.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			// Skip corrupt snapshots rather than blocking recovery.
			continue
		}
		positions = append(positions, &pos)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// Close releases the Redis connection.
func (s *PositionSnapshotStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
