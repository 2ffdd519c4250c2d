package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tilekeep/matchd/internal/room"
)

type fakeRecipient struct{ id string }

func (f *fakeRecipient) PlayerID() string    { return f.id }
func (f *fakeRecipient) Send(_ []byte) bool  { return true }
func (f *fakeRecipient) Close()              {}

func TestCreateRoomAllocatesInviteCode(t *testing.T) {
	reg := NewRegistry(nil, 10*time.Millisecond)
	r, self, err := reg.CreateRoom(context.Background(), &fakeRecipient{id: "p1"}, "alice", 0, 0)
	require.NoError(t, err)
	require.True(t, self.Host)
	require.Len(t, r.InviteCode, inviteCodeLength)

	got, ok := reg.Get(r.InviteCode)
	require.True(t, ok)
	require.Same(t, r, got)
}

func TestJoinRoomNotFound(t *testing.T) {
	reg := NewRegistry(nil, 10*time.Millisecond)
	_, _, err := reg.JoinRoom(context.Background(), "NOCODE", &fakeRecipient{id: "p2"}, "bob", 0, 0)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoomSucceeds(t *testing.T) {
	reg := NewRegistry(nil, 10*time.Millisecond)
	r, _, err := reg.CreateRoom(context.Background(), &fakeRecipient{id: "p1"}, "alice", 0, 0)
	require.NoError(t, err)

	_, roster, err := reg.JoinRoom(context.Background(), r.InviteCode, &fakeRecipient{id: "p2"}, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, roster, 2)
}

func TestJoinDuringGraceWindowReelectsHost(t *testing.T) {
	reg := NewRegistry(nil, time.Second)
	r, _, err := reg.CreateRoom(context.Background(), &fakeRecipient{id: "p1"}, "alice", 0, 0)
	require.NoError(t, err)

	_, err = r.Leave(context.Background(), "p1", "")
	require.NoError(t, err)

	_, roster, err := reg.JoinRoom(context.Background(), r.InviteCode, &fakeRecipient{id: "p2"}, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.True(t, roster[0].Host, "joiner into an emptied-but-not-yet-released room must become host")
}

func TestInviteCodeReleasedAfterGracePeriod(t *testing.T) {
	reg := NewRegistry(nil, 20*time.Millisecond)
	r, _, err := reg.CreateRoom(context.Background(), &fakeRecipient{id: "p1"}, "alice", 0, 0)
	require.NoError(t, err)

	_, err = r.Leave(context.Background(), "p1", "")
	require.NoError(t, err)

	_, ok := reg.Get(r.InviteCode)
	require.True(t, ok, "room should still be registered during the grace period")

	require.Eventually(t, func() bool {
		_, ok := reg.Get(r.InviteCode)
		return !ok
	}, time.Second, 5*time.Millisecond)
}
