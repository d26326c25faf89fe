package emergency

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultAvailabilityKey is the Redis set holding available doctor ids.
const DefaultAvailabilityKey = "emergency:available"

// Availability tracks which doctors currently accept emergency offers. It is
// consulted at broadcast time only and is never part of call state.
type Availability interface {
	Set(ctx context.Context, doctorID uuid.UUID, available bool) error
	IsAvailable(ctx context.Context, doctorID uuid.UUID) (bool, error)
	Available(ctx context.Context) ([]uuid.UUID, error)
}

// MemoryAvailability keeps availability in process memory.
type MemoryAvailability struct {
	mu      sync.RWMutex
	doctors map[uuid.UUID]struct{}
}

func NewMemoryAvailability() *MemoryAvailability {
	return &MemoryAvailability{doctors: make(map[uuid.UUID]struct{})}
}

func (m *MemoryAvailability) Set(_ context.Context, doctorID uuid.UUID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if available {
		m.doctors[doctorID] = struct{}{}
	} else {
		delete(m.doctors, doctorID)
	}
	return nil
}

func (m *MemoryAvailability) IsAvailable(_ context.Context, doctorID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.doctors[doctorID]
	return ok, nil
}

func (m *MemoryAvailability) Available(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.doctors))
	for id := range m.doctors {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// RedisAvailability shares availability across instances through a Redis set.
type RedisAvailability struct {
	client redis.Cmdable
	key    string
}

func NewRedisAvailability(client redis.Cmdable, key string) *RedisAvailability {
	if key == "" {
		key = DefaultAvailabilityKey
	}
	return &RedisAvailability{client: client, key: key}
}

func (r *RedisAvailability) Set(ctx context.Context, doctorID uuid.UUID, available bool) error {
	var err error
	if available {
		err = r.client.SAdd(ctx, r.key, doctorID.String()).Err()
	} else {
		err = r.client.SRem(ctx, r.key, doctorID.String()).Err()
	}
	if err != nil {
		return fmt.Errorf("update availability: %w", err)
	}
	return nil
}

func (r *RedisAvailability) IsAvailable(ctx context.Context, doctorID uuid.UUID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, doctorID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("read availability: %w", err)
	}
	return ok, nil
}

func (r *RedisAvailability) Available(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list available doctors: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
