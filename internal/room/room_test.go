package room

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tilekeep/matchd/internal/bus"
)

type fakeRecipient struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newFakeRecipient(id string) *fakeRecipient {
	return &fakeRecipient{id: id}
}

func (f *fakeRecipient) PlayerID() string { return f.id }

func (f *fakeRecipient) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeRecipient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeRecipient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestSeedAddsHost(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	host := newFakeRecipient("p1")
	p := r.Seed(host, "alice", 1, 2)
	require.True(t, p.Host)
	require.Equal(t, 1, r.Size())
}

func TestJoinRejectsNameConflict(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)

	_, err := r.Join(context.Background(), newFakeRecipient("p2"), "alice", 0, 0)
	require.ErrorIs(t, err, ErrNameConflict)
}

func TestJoinRejectsAfterStart(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)
	r.Seed(newFakeRecipient("p2"), "bob", 0, 0)
	_, err := r.Start(context.Background(), "p1", "server_broadcast")
	require.NoError(t, err)

	_, err = r.Join(context.Background(), newFakeRecipient("p3"), "carol", 0, 0)
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestJoinBroadcastsToExistingMembers(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	host := newFakeRecipient("p1")
	r.Seed(host, "alice", 0, 0)

	roster, err := r.Join(context.Background(), newFakeRecipient("p2"), "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	require.Equal(t, 1, host.count())
}

func TestStartRequiresHost(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)
	r.Seed(newFakeRecipient("p2"), "bob", 0, 0)

	_, err := r.Start(context.Background(), "p2", "server_broadcast")
	require.ErrorIs(t, err, ErrNotHost)
}

func TestStartRequiresMinimumPlayers(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)

	_, err := r.Start(context.Background(), "p1", "server_broadcast")
	require.ErrorIs(t, err, ErrNotEnoughPlayers)
}

func TestAcknowledgeTransitionsToRelaying(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)
	r.Seed(newFakeRecipient("p2"), "bob", 0, 0)
	eventID, err := r.Start(context.Background(), "p1", "server_broadcast")
	require.NoError(t, err)

	all, err := r.Acknowledge("p1", eventID)
	require.NoError(t, err)
	require.False(t, all)

	all, err = r.Acknowledge("p2", eventID)
	require.NoError(t, err)
	require.True(t, all)
}

func TestAcknowledgeRejectsStaleResponseID(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)
	r.Seed(newFakeRecipient("p2"), "bob", 0, 0)
	_, err := r.Start(context.Background(), "p1", "server_broadcast")
	require.NoError(t, err)

	_, err = r.Acknowledge("p1", "some-other-id")
	require.ErrorIs(t, err, ErrUnknownAcknowledge)
}

func TestRelayOnlyReachesRelayingMembers(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	host := newFakeRecipient("p1")
	guest := newFakeRecipient("p2")
	r.Seed(host, "alice", 0, 0)
	r.Seed(guest, "bob", 0, 0)
	eventID, _ := r.Start(context.Background(), "p1", "server_broadcast")

	// Only p1 has acknowledged so far; relay must not reach p2, which holds
	// only the event_room_start frame.
	_, _ = r.Acknowledge("p1", eventID)
	r.Relay(context.Background(), "p1", []byte("move-1"))
	require.Equal(t, 1, guest.count())

	_, _ = r.Acknowledge("p2", eventID)
	r.Relay(context.Background(), "p1", []byte("move-2"))
	require.Equal(t, 2, guest.count())
}

func TestIngestRemoteDeliversToLocalMembersOnlyWhenRelaying(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	host := newFakeRecipient("p1")
	guest := newFakeRecipient("p2")
	r.Seed(host, "alice", 0, 0)
	r.Seed(guest, "bob", 0, 0)

	// Pre-start: a remote "event" frame should reach every local member.
	r.ingestRemote(bus.Frame{InviteCode: "ABC123", Kind: "event", Payload: []byte("remote-event"), SenderID: "remote-player"})
	require.Equal(t, 1, host.count())
	require.Equal(t, 1, guest.count())

	eventID, _ := r.Start(context.Background(), "p1", "server_broadcast")
	_, _ = r.Acknowledge("p1", eventID)
	_, _ = r.Acknowledge("p2", eventID)

	// A remote "relay" frame only reaches members already in the relay set
	// (both are, here), and never the frame's own sender even if it happens
	// to share a local member's player ID. Each member already holds the
	// remote event and the event_room_start frame.
	r.ingestRemote(bus.Frame{InviteCode: "ABC123", Kind: "relay", Payload: []byte("remote-move"), SenderID: "p1"})
	require.Equal(t, 2, host.count(), "sender must not receive its own relayed frame back")
	require.Equal(t, 3, guest.count())
}

func TestHostMigrationOnLeave(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)
	r.Seed(newFakeRecipient("p2"), "bob", 0, 0)

	empty, err := r.Leave(context.Background(), "p1", "")
	require.NoError(t, err)
	require.False(t, empty)

	roster := r.Roster()
	require.Len(t, roster, 1)
	require.True(t, roster[0].Host)
	require.Equal(t, "p2", roster[0].ID)
}

func TestExplicitHostNomination(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)
	r.Seed(newFakeRecipient("p2"), "bob", 0, 0)
	r.Seed(newFakeRecipient("p3"), "carol", 0, 0)

	_, err := r.Leave(context.Background(), "p1", "p3")
	require.NoError(t, err)

	roster := r.Roster()
	for _, p := range roster {
		if p.ID == "p3" {
			require.True(t, p.Host)
		} else {
			require.False(t, p.Host)
		}
	}
}

func TestJoinIntoEmptyRoomElectsHost(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)

	empty, err := r.Leave(context.Background(), "p1", "")
	require.NoError(t, err)
	require.True(t, empty)
	require.Equal(t, 0, r.Size())

	roster, err := r.Join(context.Background(), newFakeRecipient("p2"), "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.True(t, roster[0].Host)
}

func TestRoomBecomesEmptyAndTriggersOnEmpty(t *testing.T) {
	var calledWith string
	r := NewRoom("ABC123", func(invite string) { calledWith = invite }, nil)
	r.Seed(newFakeRecipient("p1"), "alice", 0, 0)

	empty, err := r.Leave(context.Background(), "p1", "")
	require.NoError(t, err)
	require.True(t, empty)
	require.Equal(t, "ABC123", calledWith)
}

func TestFullOutboundQueueDropsRecipientDuringMatchmaking(t *testing.T) {
	r := NewRoom("ABC123", nil, nil)
	host := newFakeRecipient("p1")
	stuck := newFakeRecipient("p2")
	stuck.full = true
	r.Seed(host, "alice", 0, 0)
	r.Seed(stuck, "bob", 0, 0)

	// A third join broadcasts event_player_joined to existing members; p2's
	// full queue should cause it to be dropped and removed from the roster.
	_, err := r.Join(context.Background(), newFakeRecipient("p3"), "carol", 0, 0)
	require.NoError(t, err)

	require.True(t, stuck.closed)
	roster := r.Roster()
	for _, p := range roster {
		require.NotEqual(t, "p2", p.ID)
	}
}
