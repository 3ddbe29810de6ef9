package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomcall/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStore(client, "relay-1", time.Hour, 2)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestJoinAssignsRoles(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	role, err := s.Join(ctx, "room1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RolePublisher, role)

	role, err = s.Join(ctx, "room1", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RoleSubscriber, role)

	assert.Equal(t, time.Hour, mr.TTL(membersKey("room1")))
	assert.Equal(t, time.Hour, mr.TTL(publisherKey("room1")))
}

func TestJoinRejects(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Join(ctx, "room1", "alice")
	require.NoError(t, err)

	_, err = s.Join(ctx, "room1", "alice")
	assert.ErrorIs(t, err, ErrNameTaken)

	_, err = s.Join(ctx, "room1", "bob")
	require.NoError(t, err)
	_, err = s.Join(ctx, "room1", "carol")
	assert.ErrorIs(t, err, ErrRoomFull)

	role, err := s.Join(ctx, "room2", "carol")
	require.NoError(t, err)
	assert.Equal(t, models.RolePublisher, role)
}

func TestLeaveReleasesPublisher(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Join(ctx, "room1", "alice")
	require.NoError(t, err)
	_, err = s.Join(ctx, "room1", "bob")
	require.NoError(t, err)

	remaining, err := s.Leave(ctx, "room1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	info, err := s.Room(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Publisher)

	remaining, err = s.Leave(ctx, "room1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	role, err := s.Join(ctx, "room1", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RolePublisher, role)
}

func TestResetDropsMembersOfPreviousRun(t *testing.T) {
	before, mr := newTestStore(t)
	ctx := context.Background()

	_, err := before.Join(ctx, "room1", "alice")
	require.NoError(t, err)
	_, err = before.Join(ctx, "room1", "bob")
	require.NoError(t, err)

	other := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "relay-2", time.Hour, 2)
	t.Cleanup(func() { _ = other.Close() })
	_, err = other.Join(ctx, "room2", "carol")
	require.NoError(t, err)

	// The first relay dies without anyone leaving, then starts again.
	require.NoError(t, before.Close())
	after := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "relay-1", time.Hour, 2)
	t.Cleanup(func() { _ = after.Close() })

	removed, err := after.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = after.Room(ctx, "room1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.False(t, mr.Exists(publisherKey("room1")))
	assert.False(t, mr.Exists(instanceKey("relay-1")))

	role, err := after.Join(ctx, "room1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RolePublisher, role)

	info, err := after.Room(ctx, "room2")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, info.Members)
	assert.Equal(t, "carol", info.Publisher)
}

func TestLeaveForgetsInstanceEntry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Join(ctx, "room1", "alice")
	require.NoError(t, err)
	members, err := mr.SMembers(instanceKey("relay-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{entry("room1", "alice")}, members)

	_, err = s.Leave(ctx, "room1", "alice")
	require.NoError(t, err)
	removed, err := s.Reset(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRoom(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Room(ctx, "empty")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.Join(ctx, "room1", "zed")
	require.NoError(t, err)
	_, err = s.Join(ctx, "room1", "amy")
	require.NoError(t, err)

	info, err := s.Room(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, &models.RoomInfo{
		Name:        "room1",
		Members:     []string{"amy", "zed"},
		Publisher:   "zed",
		MemberCount: 2,
		MaxMembers:  2,
	}, info)
}

func TestJoinFailsWhenRedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Join(context.Background(), "room1", "alice")
	assert.Error(t, err)
	assert.Error(t, s.Ping(context.Background()))
}
