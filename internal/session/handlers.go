package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tilekeep/matchd/internal/protocol"
	"github.com/tilekeep/matchd/internal/registry"
	"github.com/tilekeep/matchd/internal/room"
)

func (s *Session) handleLogin(ctx context.Context, raw []byte) error {
	var req protocol.LoginRequest
	if err := protocol.Decode(raw, &req); err != nil {
		return err
	}

	if req.Details.Username == "" {
		s.respond(protocol.LoginResponse{
			Type:      protocol.TypeLoginResponse,
			RequestID: req.ID,
			Result:    protocol.ResultInvalidName,
		})
		return nil
	}

	s.mu.Lock()
	s.playerID = uuid.NewString()
	s.username = req.Details.Username
	s.color = req.Details.Color
	s.border = req.Details.BorderColor
	s.phase = PhaseAuthenticated
	s.mu.Unlock()

	s.respond(protocol.LoginResponse{
		Type:      protocol.TypeLoginResponse,
		RequestID: req.ID,
		Result:    protocol.ResultOK,
		PlayerID:  s.PlayerID(),
	})
	return nil
}

func (s *Session) handleRoomCreate(ctx context.Context, raw []byte) error {
	var req protocol.RoomCreateRequest
	if err := protocol.Decode(raw, &req); err != nil {
		return err
	}

	r, self, err := s.registry.CreateRoom(ctx, s, s.username, s.color, s.border)
	if err != nil {
		return protocol.Violation("room_create failed: %v", err)
	}

	s.mu.Lock()
	s.room = r
	s.phase = PhaseInRoom
	s.mu.Unlock()

	s.respond(protocol.RoomCreateResponse{
		Type:      protocol.TypeRoomCreateResponse,
		RequestID: req.ID,
		Result:    protocol.ResultOK,
		InviteID:  r.InviteCode,
		Players:   []protocol.Player{wirePlayer(self)},
	})
	return nil
}

func (s *Session) handleRoomJoin(ctx context.Context, raw []byte) error {
	var req protocol.RoomJoinRequest
	if err := protocol.Decode(raw, &req); err != nil {
		return err
	}

	r, roster, err := s.registry.JoinRoom(ctx, req.InviteID, s, s.username, s.color, s.border)
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		s.respond(protocol.RoomJoinResponse{Type: protocol.TypeRoomJoinResponse, RequestID: req.ID, Result: protocol.ResultRoomNotFound})
		return nil
	case errors.Is(err, room.ErrNameConflict):
		s.respond(protocol.RoomJoinResponse{Type: protocol.TypeRoomJoinResponse, RequestID: req.ID, Result: protocol.ResultNameConflict})
		return nil
	case errors.Is(err, room.ErrAlreadyStarted):
		s.respond(protocol.RoomJoinResponse{Type: protocol.TypeRoomJoinResponse, RequestID: req.ID, Result: protocol.ResultAlreadyPlaying})
		return nil
	case err != nil:
		return protocol.Violation("room_join failed: %v", err)
	}

	s.mu.Lock()
	s.room = r
	s.phase = PhaseInRoom
	s.mu.Unlock()

	s.respond(protocol.RoomJoinResponse{
		Type:      protocol.TypeRoomJoinResponse,
		RequestID: req.ID,
		Result:    protocol.ResultOK,
		Players:   wirePlayers(roster),
	})
	return nil
}

func (s *Session) handleRoomLeave(ctx context.Context, raw []byte) error {
	var req protocol.RoomLeaveRequest
	if err := protocol.Decode(raw, &req); err != nil {
		return err
	}

	s.mu.RLock()
	r := s.room
	s.mu.RUnlock()
	if r == nil {
		return protocol.Violation("room_leave with no active room")
	}

	if _, err := r.Leave(ctx, s.PlayerID(), req.NewHost); err != nil {
		return protocol.Violation("room_leave failed: %v", err)
	}

	s.mu.Lock()
	s.room = nil
	s.phase = PhaseAuthenticated
	s.mu.Unlock()

	s.respond(protocol.RoomLeaveResponse{
		Type:      protocol.TypeRoomLeaveResponse,
		RequestID: req.ID,
		Result:    protocol.ResultOK,
	})
	return nil
}

func (s *Session) handleRoomStart(ctx context.Context, raw []byte) error {
	var req protocol.RoomStartRequest
	if err := protocol.Decode(raw, &req); err != nil {
		return err
	}

	s.mu.RLock()
	r := s.room
	s.mu.RUnlock()
	if r == nil {
		return protocol.Violation("room_start with no active room")
	}

	_, err := r.Start(ctx, s.PlayerID(), req.ConnectionType)
	switch {
	case errors.Is(err, room.ErrNotHost):
		s.respond(protocol.RoomStartResponse{Type: protocol.TypeRoomStartResponse, RequestID: req.ID, Result: protocol.ResultNotHost})
		return nil
	case errors.Is(err, room.ErrNotEnoughPlayers):
		s.respond(protocol.RoomStartResponse{Type: protocol.TypeRoomStartResponse, RequestID: req.ID, Result: protocol.ResultNotEnoughPlayers})
		return nil
	case errors.Is(err, room.ErrInvalidConnection):
		s.respond(protocol.RoomStartResponse{Type: protocol.TypeRoomStartResponse, RequestID: req.ID, Result: protocol.ResultInvalidConnection})
		return nil
	case errors.Is(err, room.ErrAlreadyStarted):
		return protocol.Violation("room_start on an already-started room")
	case err != nil:
		return protocol.Violation("room_start failed: %v", err)
	}

	// Success has no direct response: every member, including the
	// requester, learns of the start via the event_room_start broadcast
	// room.Start already sent.
	return nil
}

func (s *Session) handleAcknowledge(ctx context.Context, raw []byte) error {
	var req protocol.EventRoomStartAcknowledge
	if err := protocol.Decode(raw, &req); err != nil {
		return err
	}

	s.mu.RLock()
	r := s.room
	s.mu.RUnlock()
	if r == nil {
		return protocol.Violation("acknowledge with no active room")
	}

	if _, err := r.Acknowledge(s.PlayerID(), req.ResponseID); err != nil {
		return protocol.Violation("acknowledge failed: %v", err)
	}

	s.setPhase(PhaseRelaying)
	return nil
}

func wirePlayer(p room.Player) protocol.Player {
	return protocol.Player{ID: p.ID, Username: p.Username, Color: p.Color, BorderColor: p.BorderColor, Host: p.Host}
}

func wirePlayers(ps []room.Player) []protocol.Player {
	out := make([]protocol.Player, 0, len(ps))
	for _, p := range ps {
		out = append(out, wirePlayer(p))
	}
	return out
}
