package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type playerKey struct{ match, user string }
type roundKey struct {
	match string
	round int
}

// Memory keeps everything in maps behind one mutex. Update holds the mutex
// for the whole read-modify-write, which gives the same isolation a row lock
// does.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	matches   map[string]*Match
	players   map[playerKey]*PlayerMatchState
	snapshots map[roundKey]*RoundSnapshot
}

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		matches:   make(map[string]*Match),
		players:   make(map[playerKey]*PlayerMatchState),
		snapshots: make(map[roundKey]*RoundSnapshot),
	}
}

func (m *Memory) CreateMatch(ctx context.Context, match *Match, players []*PlayerMatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[match.ID]; ok {
		return fmt.Errorf("match %s: %w", match.ID, ErrDuplicate)
	}
	mc := *match
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = m.now()
	}
	if mc.Status == "" {
		mc.Status = MatchRunning
	}
	m.matches[match.ID] = &mc
	for _, p := range players {
		c := p.Clone()
		c.MatchID = match.ID
		c.UpdatedAt = m.now()
		m.players[playerKey{match.ID, p.UserID}] = c
	}
	return nil
}

func (m *Memory) Match(ctx context.Context, matchID string) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	out := *mc
	return &out, nil
}

func (m *Memory) Read(ctx context.Context, matchID, userID string) (*PlayerMatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerKey{matchID, userID}]
	if !ok {
		return nil, fmt.Errorf("player %s in match %s: %w", userID, matchID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *Memory) Players(ctx context.Context, matchID string) ([]*PlayerMatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PlayerMatchState
	for k, p := range m.players {
		if k.match == matchID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Update(ctx context.Context, matchID, userID string, fn func(*PlayerMatchState) error) (*PlayerMatchState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.players[playerKey{matchID, userID}]
	if !ok {
		return nil, fmt.Errorf("player %s in match %s: %w", userID, matchID, ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.MatchID, next.UserID = matchID, userID
	next.UpdatedAt = m.now()
	m.players[playerKey{matchID, userID}] = next
	return next.Clone(), nil
}

func (m *Memory) FinishMatch(ctx context.Context, matchID, winnerUserID string, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.matches[matchID]
	if !ok {
		return fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	now := m.now()
	mc.Status = MatchFinished
	mc.WinnerUserID = winnerUserID
	mc.FinishedRound = round
	mc.FinishedAt = &now
	return nil
}

func (m *Memory) SaveRoundSnapshot(ctx context.Context, snap *RoundSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := roundKey{snap.MatchID, snap.Round}
	if _, ok := m.snapshots[k]; ok {
		return fmt.Errorf("snapshot %s/%d: %w", snap.MatchID, snap.Round, ErrDuplicate)
	}
	c := *snap
	c.Replay = append([]byte(nil), snap.Replay...)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.snapshots[k] = &c
	return nil
}

func (m *Memory) RoundSnapshot(ctx context.Context, matchID string, round int) (*RoundSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[roundKey{matchID, round}]
	if !ok {
		return nil, fmt.Errorf("snapshot %s/%d: %w", matchID, round, ErrNotFound)
	}
	c := *s
	return &c, nil
}

// SnapshotCount is used by tests to check write-once semantics.
func (m *Memory) SnapshotCount(matchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.snapshots {
		if k.match == matchID {
			n++
		}
	}
	return n
}
