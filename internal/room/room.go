// Package room implements the Room aggregate: an ordered player roster
// behind an invite code, host election, the started/relaying transition,
// and the Broadcast Fabric that delivers structured events before start
// and opaque relay frames after it.
//
// A Room is one mutex-protected unit: every exported method that reads or
// changes the roster holds the lock while it does so, so operations on a
// single Room are linearizable. Relay releases the lock after forwarding
// and takes it again, through Disconnect, for each recipient it drops. Two
// different Rooms never share a lock and never block each other.
package room

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tilekeep/matchd/internal/bus"
	"github.com/tilekeep/matchd/internal/logging"
	"github.com/tilekeep/matchd/internal/metrics"
	"github.com/tilekeep/matchd/internal/protocol"
)

var (
	ErrNameConflict       = errors.New("username already taken in this room")
	ErrAlreadyStarted     = errors.New("room has already started")
	ErrNotHost            = errors.New("requester is not the host")
	ErrNotEnoughPlayers   = errors.New("room needs at least two players to start")
	ErrInvalidConnection  = errors.New("unrecognized connection type")
	ErrUnknownAcknowledge = errors.New("acknowledge does not match the outstanding start event")
	ErrPlayerNotFound     = errors.New("player is not a member of this room")
)

// minPlayersToStart is the smallest roster room_start will accept.
const minPlayersToStart = 2

// Recipient is how a Room reaches an individual member without depending
// on the transport (gorilla/websocket, a test double, or anything else).
// Send is non-blocking: it reports whether the frame was accepted, so the
// Room can treat a full outbound queue as a disconnect rather than block.
type Recipient interface {
	PlayerID() string
	Send(data []byte) bool
	Close()
}

// Player is a Room member's public-facing state.
type Player struct {
	ID          string
	Username    string
	Color       uint16
	BorderColor uint16
	Host        bool
}

func (p Player) wire() protocol.Player {
	return protocol.Player{
		ID:          p.ID,
		Username:    p.Username,
		Color:       p.Color,
		BorderColor: p.BorderColor,
		Host:        p.Host,
	}
}

type member struct {
	player    Player
	recipient Recipient
	relaying  bool // true once this member has transitioned into the Relaying phase
	acked     bool // true once this member has acknowledged the outstanding start event
}

// Room is the matchmaking-and-relay unit keyed by its invite code.
type Room struct {
	InviteCode string

	mu      sync.Mutex
	order   []string // player IDs, join order (index 0 is the earliest-joined remaining member)
	members map[string]*member

	started      bool
	startEventID string

	onEmpty func(inviteCode string)
	bus     *bus.Service
}

// NewRoom constructs an empty Room. onEmpty is invoked (outside the Room's
// own lock) once the last member leaves, so the registry can release the
// invite code. busService may be nil.
func NewRoom(inviteCode string, onEmpty func(string), busService *bus.Service) *Room {
	return &Room{
		InviteCode: inviteCode,
		members:    make(map[string]*member),
		onEmpty:    onEmpty,
		bus:        busService,
	}
}

func (r *Room) lock()   { r.mu.Lock() }
func (r *Room) unlock() { r.mu.Unlock() }

// Seed adds the room's first member as host. Used only at room creation,
// where there is no possible name conflict; a member seeded into a room
// that already has members is added as an ordinary guest.
func (r *Room) Seed(recipient Recipient, username string, color, borderColor uint16) Player {
	r.lock()
	defer r.unlock()

	p := Player{ID: recipient.PlayerID(), Username: username, Color: color, BorderColor: borderColor, Host: len(r.order) == 0}
	r.members[p.ID] = &member{player: p, recipient: recipient}
	r.order = append(r.order, p.ID)
	metrics.RoomPlayers.WithLabelValues(r.InviteCode).Set(float64(len(r.order)))
	return p
}

// Join adds a new member to an in-progress (not yet started) room,
// enforcing room-scoped username uniqueness. A room found with an empty
// roster — one that outlived its last member and is sitting in the
// registry's cleanup grace window — seeds the joiner as host exactly as
// Seed would, rather than appending a hostless guest; otherwise the
// joiner is an ordinary guest. On success it returns the full roster
// (including the new member) and, when there was anyone already present,
// broadcasts event_player_joined to them.
func (r *Room) Join(ctx context.Context, recipient Recipient, username string, color, borderColor uint16) ([]Player, error) {
	r.lock()
	defer r.unlock()

	if r.started {
		return nil, ErrAlreadyStarted
	}
	for _, m := range r.members {
		if m.player.Username == username {
			return nil, ErrNameConflict
		}
	}

	wasEmpty := len(r.order) == 0
	p := Player{ID: recipient.PlayerID(), Username: username, Color: color, BorderColor: borderColor, Host: wasEmpty}
	r.members[p.ID] = &member{player: p, recipient: recipient}
	r.order = append(r.order, p.ID)
	metrics.RoomPlayers.WithLabelValues(r.InviteCode).Set(float64(len(r.order)))

	if !wasEmpty {
		r.broadcastLocked(ctx, protocol.EventPlayerJoined{
			Type:   protocol.TypeEventPlayerJoined,
			ID:     uuid.NewString(),
			Player: p.wire(),
		}, p.ID)
	}

	return r.rosterLocked(), nil
}

// Leave removes a member by request. newHostID optionally nominates the
// next host if the departing member was the host; an empty or stale
// nomination falls back to deterministic election. Returns whether the
// room is now empty.
func (r *Room) Leave(ctx context.Context, playerID, newHostID string) (empty bool, err error) {
	r.lock()
	defer r.unlock()
	return r.removeLocked(ctx, playerID, newHostID, true)
}

// Disconnect removes a member whose transport died without a room_leave
// request. Host migration runs by deterministic election, as for Leave
// with no nomination; once started, the removal happens silently — the relay phase
// never emits a structured event_player_left, since the relay channel is
// opaque by design and extending it to carry departure notices would
// break that contract (see Room's package doc and the design notes this
// mirrors).
func (r *Room) Disconnect(ctx context.Context, playerID string) (empty bool) {
	r.lock()
	defer r.unlock()
	empty, _ = r.removeLocked(ctx, playerID, "", !r.started)
	return empty
}

func (r *Room) removeLocked(ctx context.Context, playerID, newHostID string, announce bool) (bool, error) {
	m, ok := r.members[playerID]
	if !ok {
		return len(r.order) == 0, ErrPlayerNotFound
	}
	wasHost := m.player.Host

	delete(r.members, playerID)
	r.order = removeID(r.order, playerID)

	if len(r.order) == 0 {
		metrics.RoomPlayers.DeleteLabelValues(r.InviteCode)
		if r.onEmpty != nil {
			r.onEmpty(r.InviteCode)
		}
		return true, nil
	}

	if wasHost {
		// Host status is server-derived and re-inferred by clients from
		// subsequent roster state; scenario 4/5 of the wire contract only
		// promise event_player_left here, no separate announcement.
		r.electHostLocked(newHostID)
	}

	metrics.RoomPlayers.WithLabelValues(r.InviteCode).Set(float64(len(r.order)))

	if announce {
		r.broadcastLocked(ctx, protocol.EventPlayerLeft{
			Type:   protocol.TypeEventPlayerLeft,
			ID:     uuid.NewString(),
			Player: playerID,
		}, "")
	}

	return false, nil
}

// electHostLocked promotes nomineeID if it is still present, otherwise the
// earliest-joined remaining member.
func (r *Room) electHostLocked(nomineeID string) {
	if nomineeID != "" {
		if m, ok := r.members[nomineeID]; ok {
			m.player.Host = true
			return
		}
	}
	for _, id := range r.order {
		r.members[id].player.Host = true
		return
	}
}

// Start marks the room started and broadcasts event_room_start to every
// member, including the requester. Returns the event ID members must echo
// back via Acknowledge.
func (r *Room) Start(ctx context.Context, requesterID, connectionType string) (string, error) {
	r.lock()
	defer r.unlock()

	m, ok := r.members[requesterID]
	if !ok {
		return "", ErrPlayerNotFound
	}
	if !m.player.Host {
		return "", ErrNotHost
	}
	if r.started {
		return "", ErrAlreadyStarted
	}
	if len(r.order) < minPlayersToStart {
		return "", ErrNotEnoughPlayers
	}
	if connectionType != "server_broadcast" {
		return "", ErrInvalidConnection
	}

	r.started = true
	r.startEventID = uuid.NewString()
	for _, m := range r.members {
		m.acked = false
	}

	r.broadcastLocked(ctx, protocol.EventRoomStart{
		Type: protocol.TypeEventRoomStart,
		ID:   r.startEventID,
	}, "")

	return r.startEventID, nil
}

// Acknowledge records that playerID has received and processed the
// outstanding event_room_start, transitioning it into the relay set.
// Returns true once every current member has acknowledged.
func (r *Room) Acknowledge(playerID, responseID string) (allAcked bool, err error) {
	r.lock()
	defer r.unlock()

	if !r.started || responseID != r.startEventID {
		return false, ErrUnknownAcknowledge
	}
	m, ok := r.members[playerID]
	if !ok {
		return false, ErrPlayerNotFound
	}
	m.acked = true
	m.relaying = true

	for _, other := range r.members {
		if !other.acked {
			return false, nil
		}
	}
	return true, nil
}

// StartBusSubscription begins consuming this room's Redis channel for
// frames published by members connected to a different server process in
// the same invite-code namespace, forwarding them to this process's
// locally connected members. Returns a cancel function the caller must
// invoke once the room is torn down. No-op (returns a no-op cancel) on a
// Room constructed with a nil bus.
func (r *Room) StartBusSubscription(ctx context.Context) context.CancelFunc {
	if r.bus == nil {
		return func() {}
	}
	subCtx, cancel := context.WithCancel(ctx)
	r.bus.Subscribe(subCtx, r.InviteCode, nil, r.ingestRemote)
	return cancel
}

// ingestRemote delivers a frame published by a peer process to every
// locally connected member except, when identifiable, the one that
// originally sent it. It never republishes to the bus, so a frame can
// never bounce between processes. This only reaches members connected to
// *this* process — it does not make an invite code known to a process
// that never created or joined it locally.
func (r *Room) ingestRemote(frame bus.Frame) {
	r.lock()
	defer r.unlock()
	for id, m := range r.members {
		if id == frame.SenderID {
			continue
		}
		if frame.Kind == "relay" && !m.relaying {
			continue
		}
		m.recipient.Send(frame.Payload)
	}
}

// Relay forwards an opaque frame to every other member who has already
// transitioned into the Relaying phase. A recipient whose outbound queue
// is full is treated as disconnected: its connection is closed and it is
// removed from the roster, silently (per Disconnect's relay-phase
// contract above).
func (r *Room) Relay(ctx context.Context, senderID string, frame []byte) {
	r.lock()
	var dropped []Recipient
	for id, m := range r.members {
		if id == senderID || !m.relaying {
			continue
		}
		if !m.recipient.Send(frame) {
			dropped = append(dropped, m.recipient)
		}
	}
	r.unlock()

	metrics.RelayFramesForwarded.WithLabelValues(r.InviteCode).Inc()

	for _, recipient := range dropped {
		metrics.BroadcastDrops.WithLabelValues("relaying").Inc()
		recipient.Close()
		r.Disconnect(ctx, recipient.PlayerID())
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, bus.Frame{InviteCode: r.InviteCode, Kind: "relay", Payload: frame, SenderID: senderID})
	}
}

// Roster returns a snapshot of the current membership.
func (r *Room) Roster() []Player {
	r.lock()
	defer r.unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []Player {
	out := make([]Player, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id].player)
	}
	return out
}

// Size returns the current member count.
func (r *Room) Size() int {
	r.lock()
	defer r.unlock()
	return len(r.order)
}

// broadcastLocked JSON-encodes event and sends it to every member except
// excludeID (pass "" to include everyone). Must be called with the lock
// held. A full outbound queue is treated as a disconnect, same as Relay,
// but structured events do still get one: the matchmaking phase is not
// opaque, so event_player_left is meaningful here.
func (r *Room) broadcastLocked(ctx context.Context, event any, excludeID string) {
	data, err := protocol.Marshal(event)
	if err != nil {
		logging.Error(ctx, "failed to marshal broadcast event", zap.Error(err))
		return
	}

	var dropped []Recipient
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		if !m.recipient.Send(data) {
			dropped = append(dropped, m.recipient)
		}
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, bus.Frame{InviteCode: r.InviteCode, Kind: "event", Payload: data})
	}

	for _, recipient := range dropped {
		metrics.BroadcastDrops.WithLabelValues("matchmaking").Inc()
		id := recipient.PlayerID()
		recipient.Close()
		// Deferred outside the lock would be ideal, but broadcastLocked only
		// runs inside methods that already hold it, and removeLocked expects
		// the lock held. It may itself broadcast event_player_left and, if
		// the roster empties, invoke onEmpty.
		r.removeLocked(ctx, id, "", true)
	}
}

func removeID(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
