// Package broadcast delivers match payloads to connections. All sends for a
// match go through that match's room goroutine, so a snapshot is never built
// while another send for the same match is half done.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/room"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
	"github.com/DoyleJ11/tower-duel-backend/pkg/types"
)

type Member struct {
	ConnID string
	UserID string
}

// Registry is the live connection table.
type Registry interface {
	SendTo(ctx context.Context, connID string, payload []byte) error
	BroadcastRoom(ctx context.Context, matchID string, payload []byte) error
	IsConnected(matchID, userID string) bool
	Members(matchID string) []Member
}

// Mirror republishes room broadcasts outside the process.
type Mirror interface {
	Publish(ctx context.Context, matchID string, payload []byte) error
}

type Rooms interface {
	Ensure(ctx context.Context, matchID string) *room.Room
	Get(ctx context.Context, matchID string) *room.Room
}

type Broadcaster struct {
	rooms    Rooms
	registry Registry
	store    store.Store
	clock    clockwork.Clock
	mirror   Mirror
	log      *zap.Logger
}

type Option func(*Broadcaster)

func WithMirror(m Mirror) Option { return func(b *Broadcaster) { b.mirror = m } }

func WithClock(c clockwork.Clock) Option { return func(b *Broadcaster) { b.clock = c } }

func New(rooms Rooms, registry Registry, st store.Store, log *zap.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		rooms:    rooms,
		registry: registry,
		store:    st,
		clock:    clockwork.NewRealClock(),
		log:      log,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// WithSerializedBroadcast runs fn on the match's room goroutine. A finished
// match has no room any more and fn runs directly instead.
func (b *Broadcaster) WithSerializedBroadcast(ctx context.Context, matchID string, fn func(ctx context.Context) error) error {
	rm := b.rooms.Get(ctx, matchID)
	if rm == nil {
		m, err := b.store.Match(ctx, matchID)
		if err == nil && m.Status == store.MatchFinished {
			return fn(ctx)
		}
		if rm = b.rooms.Ensure(ctx, matchID); rm == nil {
			return room.ErrClosed
		}
	}
	return rm.Serialize(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		rm.TouchBroadcast(b.clock.Now())
		return err
	})
}

// BroadcastRoom sends msg, JSON encoded, to every connection in the match.
func (b *Broadcaster) BroadcastRoom(ctx context.Context, matchID string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	err = b.WithSerializedBroadcast(ctx, matchID, func(ctx context.Context) error {
		return b.registry.BroadcastRoom(ctx, matchID, payload)
	})
	// Outside the room queue: a slow broker must not hold up the match.
	if b.mirror != nil {
		if merr := b.mirror.Publish(ctx, matchID, payload); merr != nil {
			b.log.Warn("mirror publish failed", zap.String("match_id", matchID), zap.Error(merr))
		}
	}
	return err
}

// BroadcastState sends every connection its own snapshot, built from one
// read of the match.
func (b *Broadcaster) BroadcastState(ctx context.Context, matchID string) error {
	return b.WithSerializedBroadcast(ctx, matchID, func(ctx context.Context) error {
		players, err := b.store.Players(ctx, matchID)
		if err != nil {
			return fmt.Errorf("load players: %w", err)
		}
		connected := func(userID string) bool { return b.registry.IsConnected(matchID, userID) }
		var errs error
		for _, m := range b.registry.Members(matchID) {
			errs = multierr.Append(errs, b.send(ctx, m.ConnID, BuildSnapshot(matchID, players, m.UserID, connected)))
		}
		return errs
	})
}

// SendStateTo sends a single connection its snapshot, e.g. right after it
// joins or asks to resync.
func (b *Broadcaster) SendStateTo(ctx context.Context, matchID, connID, userID string) error {
	return b.WithSerializedBroadcast(ctx, matchID, func(ctx context.Context) error {
		players, err := b.store.Players(ctx, matchID)
		if err != nil {
			return fmt.Errorf("load players: %w", err)
		}
		connected := func(u string) bool { return b.registry.IsConnected(matchID, u) }
		return b.send(ctx, connID, BuildSnapshot(matchID, players, userID, connected))
	})
}

func (b *Broadcaster) send(ctx context.Context, connID string, snap types.State) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := b.registry.SendTo(ctx, connID, payload); err != nil {
		return fmt.Errorf("send to %s: %w", connID, err)
	}
	return nil
}

// BuildSnapshot is the view of the match for userID. Users who are not
// participants get the public part only.
func BuildSnapshot(matchID string, players []*store.PlayerMatchState, userID string, connected func(string) bool) types.State {
	snap := types.State{
		Type:    types.TypeState,
		Match:   matchID,
		Phase:   string(store.PhaseFinished),
		Players: make([]types.PlayerSummary, 0, len(players)),
	}
	phaseSet := false
	var self *store.PlayerMatchState
	for _, p := range players {
		snap.Players = append(snap.Players, types.PlayerSummary{
			UserID:     p.UserID,
			TowerHP:    p.TowerHP,
			TowerHPMax: p.TowerHPMax,
			Round:      p.Round,
			Eliminated: p.Eliminated,
			Rank:       p.Rank,
			Connected:  connected != nil && connected(p.UserID),
			BoardSize:  filled(p),
		})
		if p.Round > snap.Round {
			snap.Round = p.Round
		}
		if !phaseSet && !p.Eliminated {
			snap.Phase = string(p.Phase)
			phaseSet = true
		}
		if p.UserID == userID {
			self = p
		}
	}
	if self != nil {
		snap.Self = selfView(self)
		snap.Phase = string(self.Phase)
		snap.Round = self.Round
	}
	return snap
}

func filled(p *store.PlayerMatchState) int {
	n := 0
	for _, s := range p.Board {
		if !s.Empty() {
			n++
		}
	}
	return n
}

func selfView(p *store.PlayerMatchState) *types.SelfView {
	board := make([]types.Slot, len(p.Board))
	for i, s := range p.Board {
		board[i] = types.Slot{Kind: s.Kind, Stack: s.Stack}
	}
	return &types.SelfView{
		UserID:        p.UserID,
		Board:         board,
		Hand:          append([]string{}, p.Hand...),
		DeckCount:     len(p.Deck),
		DiscardCount:  len(p.Discard),
		Gold:          p.Gold,
		TowerHP:       p.TowerHP,
		TowerHPMax:    p.TowerHPMax,
		TowerDPS:      p.TowerDPS,
		TowerLevel:    p.TowerLevel,
		ShopOffer:     append([]string{}, p.ShopOffer...),
		RoundDeadline: p.RoundDeadline,
		Eliminated:    p.Eliminated,
		Rank:          p.Rank,
	}
}
