// Package broadcasttest provides an in-memory connection registry for tests.
package broadcasttest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/DoyleJ11/tower-duel-backend/internal/broadcast"
)

type Sent struct {
	MatchID string // set for room broadcasts
	ConnID  string // set for direct sends
	Payload []byte
}

// Type decodes the frame's "type" field.
func (s Sent) Type() string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(s.Payload, &head)
	return head.Type
}

// Registry records every send. Connections are added with Join; a room
// broadcast is recorded once, not once per member.
type Registry struct {
	mu      sync.Mutex
	members map[string][]broadcast.Member
	sent    []Sent
	SendErr error
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string][]broadcast.Member)}
}

func (r *Registry) Join(matchID, connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[matchID] = append(r.members[matchID], broadcast.Member{ConnID: connID, UserID: userID})
}

func (r *Registry) Leave(matchID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := r.members[matchID]
	for i, m := range ms {
		if m.ConnID == connID {
			r.members[matchID] = append(ms[:i:i], ms[i+1:]...)
			return
		}
	}
}

func (r *Registry) SendTo(_ context.Context, connID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{ConnID: connID, Payload: payload})
	return r.SendErr
}

func (r *Registry) BroadcastRoom(_ context.Context, matchID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{MatchID: matchID, Payload: payload})
	return r.SendErr
}

func (r *Registry) IsConnected(matchID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members[matchID] {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Registry) Members(matchID string) []broadcast.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]broadcast.Member(nil), r.members[matchID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (r *Registry) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Count returns how many frames of the given type were sent.
func (r *Registry) Count(typ string) int {
	n := 0
	for _, s := range r.Sent() {
		if s.Type() == typ {
			n++
		}
	}
	return n
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
