// Package registry implements the Room Registry: invite-code allocation
// and the map from invite code to Room, serializing the mutations that
// cross Room boundaries (create, and releasing a code once its Room is
// empty) while leaving everything inside one Room to that Room's own
// lock.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/tilekeep/matchd/internal/bus"
	"github.com/tilekeep/matchd/internal/logging"
	"github.com/tilekeep/matchd/internal/metrics"
	"github.com/tilekeep/matchd/internal/room"
)

var ErrRoomNotFound = errors.New("no room with that invite code")

const inviteCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const inviteCodeLength = 6

// Registry owns the invite-code namespace. A freshly emptied room's code
// stays reserved for cleanupGrace before it can be handed out again, so a
// player whose disconnect and reconnect race a rapid rejoin doesn't find
// their old code already reassigned to a stranger.
type Registry struct {
	mu             sync.Mutex
	rooms          map[string]*room.Room
	pendingCleanup map[string]*time.Timer
	subscriptions  map[string]context.CancelFunc
	cleanupGrace   time.Duration
	bus            *bus.Service
}

// NewRegistry builds an empty Registry. busService may be nil.
func NewRegistry(busService *bus.Service, cleanupGrace time.Duration) *Registry {
	return &Registry{
		rooms:          make(map[string]*room.Room),
		pendingCleanup: make(map[string]*time.Timer),
		subscriptions:  make(map[string]context.CancelFunc),
		cleanupGrace:   cleanupGrace,
		bus:            busService,
	}
}

// CreateRoom allocates a fresh invite code, creates its Room, and seeds
// the requester as host.
func (reg *Registry) CreateRoom(ctx context.Context, recipient room.Recipient, username string, color, borderColor uint16) (*room.Room, room.Player, error) {
	reg.mu.Lock()
	code, err := reg.allocateCodeLocked()
	if err != nil {
		reg.mu.Unlock()
		return nil, room.Player{}, err
	}

	r := room.NewRoom(code, reg.onRoomEmpty, reg.bus)
	reg.rooms[code] = r
	reg.subscriptions[code] = r.StartBusSubscription(context.Background())
	reg.mu.Unlock()

	metrics.ActiveRooms.Inc()
	logging.Info(logging.WithRoom(ctx, code), "room created")

	self := r.Seed(recipient, username, color, borderColor)
	return r, self, nil
}

// JoinRoom looks up inviteCode and adds recipient to its roster.
func (reg *Registry) JoinRoom(ctx context.Context, inviteCode string, recipient room.Recipient, username string, color, borderColor uint16) (*room.Room, []room.Player, error) {
	r, ok := reg.Get(inviteCode)
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	roster, err := r.Join(ctx, recipient, username, color, borderColor)
	if err != nil {
		return nil, nil, err
	}
	return r, roster, nil
}

// Get returns the Room for inviteCode, if any.
func (reg *Registry) Get(inviteCode string) (*room.Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[inviteCode]
	return r, ok
}

// onRoomEmpty is the Room's onEmpty callback: it schedules the invite
// code's release after the configured grace period, re-checking that the
// room is still empty (and not, say, repopulated by a reconnect) before
// actually deleting it.
func (reg *Registry) onRoomEmpty(inviteCode string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.pendingCleanup[inviteCode]; ok {
		existing.Stop()
	}

	reg.pendingCleanup[inviteCode] = time.AfterFunc(reg.cleanupGrace, func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		delete(reg.pendingCleanup, inviteCode)
		r, ok := reg.rooms[inviteCode]
		if !ok {
			return
		}
		if r.Size() > 0 {
			return
		}
		delete(reg.rooms, inviteCode)
		if cancel, ok := reg.subscriptions[inviteCode]; ok {
			cancel()
			delete(reg.subscriptions, inviteCode)
		}
		metrics.ActiveRooms.Dec()
	})
}

// allocateCodeLocked must be called with reg.mu held. It draws random
// codes until it finds one not already live (registered or pending
// cleanup), so a recently released code is never handed out while still
// reserved.
func (reg *Registry) allocateCodeLocked() (string, error) {
	for attempt := 0; attempt < 64; attempt++ {
		code, err := randomInviteCode()
		if err != nil {
			return "", err
		}
		if _, taken := reg.rooms[code]; taken {
			continue
		}
		if _, pending := reg.pendingCleanup[code]; pending {
			continue
		}
		return code, nil
	}
	return "", errors.New("exhausted attempts to allocate a unique invite code")
}

func randomInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, inviteCodeLength)
	for i, b := range buf {
		out[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(out), nil
}
