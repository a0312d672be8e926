package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/broadcast"
)

var (
	ErrUnknownConn = errors.New("unknown connection")
	ErrSlowClient  = errors.New("client outbox full")
)

const outboxSize = 32

// Client is one registered connection. Out is closed when the client is
// unregistered or dropped for being slow.
type Client struct {
	ID      string
	MatchID string
	UserID  string
	out     chan []byte
}

func (c *Client) Out() <-chan []byte { return c.out }

// Registry tracks live connections per match. Sends never block: a client
// whose outbox is full is dropped.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Client
	rooms map[string]map[string]*Client
	log   *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Client),
		rooms: make(map[string]map[string]*Client),
		log:   log,
	}
}

func (r *Registry) Register(matchID, userID string) *Client {
	c := &Client{
		ID:      uuid.NewString(),
		MatchID: matchID,
		UserID:  userID,
		out:     make(chan []byte, outboxSize),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	if r.rooms[matchID] == nil {
		r.rooms[matchID] = make(map[string]*Client)
	}
	r.rooms[matchID][c.ID] = c
	return c
}

func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(connID)
}

func (r *Registry) dropLocked(connID string) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if room := r.rooms[c.MatchID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, c.MatchID)
		}
	}
	close(c.out)
}

func (r *Registry) SendTo(_ context.Context, connID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, connID)
	}
	return r.sendLocked(c, payload)
}

func (r *Registry) sendLocked(c *Client, payload []byte) error {
	select {
	case c.out <- payload:
		return nil
	default:
		r.log.Warn("dropping slow client", zap.String("conn_id", c.ID), zap.String("match_id", c.MatchID), zap.String("user_id", c.UserID))
		r.dropLocked(c.ID)
		return fmt.Errorf("%w: %s", ErrSlowClient, c.ID)
	}
}

func (r *Registry) BroadcastRoom(_ context.Context, matchID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs error
	for _, c := range r.rooms[matchID] {
		errs = multierr.Append(errs, r.sendLocked(c, payload))
	}
	return errs
}

func (r *Registry) IsConnected(matchID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rooms[matchID] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// Members lists the match's connections ordered by connection id.
func (r *Registry) Members(matchID string) []broadcast.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcast.Member, 0, len(r.rooms[matchID]))
	for _, c := range r.rooms[matchID] {
		out = append(out, broadcast.Member{ConnID: c.ID, UserID: c.UserID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Close drops every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.conns {
		r.dropLocked(id)
	}
}
