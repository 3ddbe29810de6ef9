package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/roomcall/internal/models"
)

var (
	ErrNameTaken    = errors.New("user name already in room")
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
)

// KEYS: members, publisher, instance. ARGV: user, max members, ttl seconds,
// instance entry. Returns -1 name taken, -2 full, 1 publisher, 0 subscriber.
var joinScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return -1
end
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return -2
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
local role = 0
if redis.call('SETNX', KEYS[2], ARGV[1]) == 1 then
  role = 1
end
redis.call('EXPIRE', KEYS[2], ARGV[3])
return role
`)

// KEYS: members, publisher, instance. ARGV: user, instance entry. Returns the
// remaining member count.
var leaveScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[2])
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
return redis.call('SCARD', KEYS[1])
`)

// Join adds user to room. The first member to take the free publisher slot
// publishes; everyone else subscribes.
func (s *Store) Join(ctx context.Context, room, user string) (models.Role, error) {
	keys := []string{membersKey(room), publisherKey(room), instanceKey(s.instance)}
	res, err := joinScript.Run(ctx, s.client, keys, user, s.maxMembers, int(s.ttl.Seconds()), entry(room, user)).Int()
	if err != nil {
		return "", fmt.Errorf("join room %s: %w", room, err)
	}

	switch res {
	case -1:
		return "", ErrNameTaken
	case -2:
		return "", ErrRoomFull
	case 1:
		return models.RolePublisher, nil
	default:
		return models.RoleSubscriber, nil
	}
}

// Leave removes user from room, releasing the publisher slot if user held
// it, and returns how many members remain.
func (s *Store) Leave(ctx context.Context, room, user string) (int, error) {
	keys := []string{membersKey(room), publisherKey(room), instanceKey(s.instance)}
	remaining, err := leaveScript.Run(ctx, s.client, keys, user, entry(room, user)).Int()
	if err != nil {
		return 0, fmt.Errorf("leave room %s: %w", room, err)
	}
	return remaining, nil
}

// Reset removes every member this relay instance admitted, releasing their
// publisher slots. A relay calls it at startup: members joined through a
// previous run of the same instance lost their sockets with that process.
// Members admitted by other instances are left alone. It returns how many
// members were removed.
func (s *Store) Reset(ctx context.Context) (int, error) {
	entries, err := s.client.SMembers(ctx, instanceKey(s.instance)).Result()
	if err != nil {
		return 0, fmt.Errorf("reset instance %s: %w", s.instance, err)
	}
	for _, e := range entries {
		room, user, ok := strings.Cut(e, entrySep)
		if !ok {
			continue
		}
		if _, err := s.Leave(ctx, room, user); err != nil {
			return 0, fmt.Errorf("reset instance %s: %w", s.instance, err)
		}
	}
	if err := s.client.Del(ctx, instanceKey(s.instance)).Err(); err != nil {
		return 0, fmt.Errorf("reset instance %s: %w", s.instance, err)
	}
	return len(entries), nil
}

// Room returns the members of room and who holds the publisher slot.
func (s *Store) Room(ctx context.Context, room string) (*models.RoomInfo, error) {
	members, err := s.client.SMembers(ctx, membersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", room, err)
	}
	if len(members) == 0 {
		return nil, ErrRoomNotFound
	}
	sort.Strings(members)

	publisher, err := s.client.Get(ctx, publisherKey(room)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read room %s: %w", room, err)
	}

	return &models.RoomInfo{
		Name:        room,
		Members:     members,
		Publisher:   publisher,
		MemberCount: len(members),
		MaxMembers:  s.maxMembers,
	}, nil
}
