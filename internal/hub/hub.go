package hub

import (
	"context"

	"github.com/DoyleJ11/tower-duel-backend/internal/room"
)

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	MatchID string
	Reply   chan *room.Room
}

// EnsureRoom returns the match's room, creating it on first use.
type EnsureRoom struct {
	MatchID string
	Reply   chan *room.Room
}

// RemoveRoom stops the room and forgets it.
type RemoveRoom struct {
	MatchID string
}

type CountRooms struct {
	Reply chan int
}

type ShutdownHub struct{}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (CountRooms) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	opts   []room.Option
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub starts the hub. opts are applied to every room it creates.
func NewHub(parent context.Context, opts ...room.Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*room.Room),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				msg.Reply <- h.rooms[msg.MatchID] // May be nil

			case EnsureRoom:
				if rm := h.rooms[msg.MatchID]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm := room.New(h.ctx, msg.MatchID, h.opts...)
				h.rooms[msg.MatchID] = rm
				msg.Reply <- rm

			case RemoveRoom:
				if rm := h.rooms[msg.MatchID]; rm != nil {
					rm.Inbox() <- room.Shutdown{}
					delete(h.rooms, msg.MatchID)
				}

			case CountRooms:
				msg.Reply <- len(h.rooms)

			case ShutdownHub:
				h.shutdown()
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		select {
		case rm.Inbox() <- room.Shutdown{}:
		default:
			// room inbox full; its context is cancelled with ours anyway
		}
	}
	clear(h.rooms)
}

// Ensure is the request/reply form of EnsureRoom. It returns nil once the hub
// has shut down.
func (h *Hub) Ensure(ctx context.Context, matchID string) *room.Room {
	reply := make(chan *room.Room, 1)
	return h.ask(ctx, EnsureRoom{MatchID: matchID, Reply: reply}, reply)
}

func (h *Hub) Get(ctx context.Context, matchID string) *room.Room {
	reply := make(chan *room.Room, 1)
	return h.ask(ctx, GetRoom{MatchID: matchID, Reply: reply}, reply)
}

func (h *Hub) Remove(matchID string) {
	select {
	case h.inbox <- RemoveRoom{MatchID: matchID}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Count(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.inbox <- CountRooms{Reply: reply}:
	case <-h.ctx.Done():
		return 0
	case <-ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.ctx.Done():
		return 0
	case <-ctx.Done():
		return 0
	}
}

func (h *Hub) ask(ctx context.Context, msg HubMsg, reply chan *room.Room) *room.Room {
	select {
	case h.inbox <- msg:
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}
