package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/roomcall/config"
)

// DefaultInstance names the relay when none is configured.
const DefaultInstance = "relay"

// Store keeps room membership and the publisher slot of each room. It also
// records which members its relay instance admitted so Reset can drop them.
type Store struct {
	client     *redis.Client
	instance   string
	ttl        time.Duration
	maxMembers int
}

// Connect initializes the Redis client and checks the connection.
func Connect(ctx context.Context, cfg *config.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, cfg.Instance, cfg.RoomTTL, cfg.MaxRoomMembers), nil
}

// NewStore wraps an existing client. A non-positive maxMembers means two and
// an empty instance means DefaultInstance.
func NewStore(client *redis.Client, instance string, ttl time.Duration, maxMembers int) *Store {
	if instance == "" {
		instance = DefaultInstance
	}
	if maxMembers <= 0 {
		maxMembers = 2
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, instance: instance, ttl: ttl, maxMembers: maxMembers}
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func membersKey(room string) string   { return "room:" + room + ":members" }
func publisherKey(room string) string { return "room:" + room + ":publisher" }
func instanceKey(id string) string    { return "relay:" + id + ":members" }

const entrySep = "\n"

func entry(room, user string) string { return room + entrySep + user }
