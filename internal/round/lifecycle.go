package round

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/shop"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

type Entry struct {
	UserID string
	Deck   []string
}

// StartMatch seeds every player's state from their deck and opens the
// round 1 shop.
func (c *Coordinator) StartMatch(ctx context.Context, matchID string, entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.UserID == "" || seen[e.UserID] {
			return ErrBadRoster
		}
		seen[e.UserID] = true
	}
	if len(entries) < 2 {
		return ErrBadRoster
	}

	now := c.clock.Now()
	deadline := now.Add(c.cfg.Durations.For(1))
	players := make([]*store.PlayerMatchState, 0, len(entries))
	for _, e := range entries {
		p := &store.PlayerMatchState{
			MatchID:    matchID,
			UserID:     e.UserID,
			Board:      make([]engine.Slot, c.cfg.Shop.BoardSize),
			Deck:       append([]string(nil), e.Deck...),
			TowerHP:    c.cfg.TowerHP,
			TowerHPMax: c.cfg.TowerHP,
			TowerDPS:   c.cfg.TowerDPS,
			TowerLevel: 1,
			Round:      1,
			Phase:      store.PhaseLobby,
		}
		c.cfg.Shop.Transition(p, c.defs, deadline, shop.RNG(matchID, e.UserID, 1))
		players = append(players, p)
	}

	if err := c.store.CreateMatch(ctx, &store.Match{ID: matchID, Status: store.MatchRunning, CreatedAt: now}, players); err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	c.log.Info("match started", zap.String("match_id", matchID), zap.Int("players", len(players)), zap.Time("deadline", deadline))

	// Broadcast first: it marks the room as live, which the scheduler's
	// abandoned-match check looks at.
	if err := c.bc.BroadcastState(ctx, matchID); err != nil {
		c.log.Warn("initial state broadcast", zap.String("match_id", matchID), zap.Error(err))
	}
	c.schedule(ctx, matchID)
	return nil
}

// Forfeit eliminates userID. If that leaves one player the match ends,
// otherwise the current round is resolved right away.
func (c *Coordinator) Forfeit(ctx context.Context, matchID, userID string) error {
	log := c.log.With(zap.String("match_id", matchID), zap.String("user_id", userID), zap.String("trigger", string(TriggerForfeit)))

	me, err := c.store.Read(ctx, matchID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}
	if err != nil {
		return fmt.Errorf("read forfeiting player: %w", err)
	}
	if !Active(me) {
		return nil
	}

	rm := c.rooms.Ensure(ctx, matchID)
	if rm == nil {
		return nil
	}
	c.cancel(matchID)
	unlock, ok := rm.Acquire(ctx, c.cfg.LockWait)
	if !ok {
		log.Warn("round-end lock busy, forfeit dropped")
		c.schedule(ctx, matchID)
		return nil
	}

	finished, next, err := func() (bool, *store.PlayerMatchState, error) {
		me, err := c.store.Read(ctx, matchID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
		}
		if err != nil {
			return false, nil, fmt.Errorf("read forfeiting player: %w", err)
		}
		if !Active(me) {
			return false, nil, nil
		}
		round := PendingRound(me)
		_, err = c.store.Update(ctx, matchID, userID, func(s *store.PlayerMatchState) error {
			s.Eliminated = true
			s.EliminatedRound = round
			s.TowerHP = 0
			s.Phase = store.PhaseFinished
			s.RoundDeadline = nil
			return nil
		})
		if err != nil {
			return false, nil, fmt.Errorf("eliminate %s: %w", userID, err)
		}
		log.Info("player forfeited", zap.Int("round", round))

		players, err := c.store.Players(ctx, matchID)
		if err != nil {
			return false, nil, fmt.Errorf("list players: %w", err)
		}
		survivors := activePlayers(players)
		if len(survivors) > 1 {
			next := survivors[0]
			for _, p := range survivors[1:] {
				if PendingRound(p) < PendingRound(next) {
					next = p
				}
			}
			return false, next, nil
		}
		winner, err := c.finalize(ctx, matchID, round, players, nil)
		if err != nil {
			return false, nil, err
		}
		c.announce(ctx, log, rm, round, store.PhaseFinished, winner, nil)
		return true, nil, nil
	}()
	unlock()

	switch {
	case err != nil:
		c.schedule(ctx, matchID)
		return err
	case finished:
		c.cancel(matchID)
		c.rooms.Remove(matchID)
		return nil
	case next != nil:
		return c.EndRound(ctx, Request{MatchID: matchID, UserID: next.UserID, Round: PendingRound(next), Trigger: TriggerForfeit})
	}
	c.schedule(ctx, matchID)
	return nil
}

type standing struct {
	p     *store.PlayerMatchState
	raw   float64
	alive bool
}

func (s standing) sameAs(o standing) bool {
	return s.alive == o.alive && s.p.EliminatedRound == o.p.EliminatedRound && s.raw == o.raw
}

// finalize ranks everyone and closes the match. The survivor wins; if
// nobody survived, the highest raw tower hp among the last eliminated wins
// and an exact tie is a draw (empty winner).
func (c *Coordinator) finalize(ctx context.Context, matchID string, round int, players []*store.PlayerMatchState, plan *Plan) (string, error) {
	table := make([]standing, 0, len(players))
	for _, p := range players {
		s := standing{p: p, raw: p.TowerHP, alive: !p.Eliminated}
		if plan != nil {
			if d, ok := plan.Deltas[p.UserID]; ok {
				s.raw = d.RawHP
			}
		}
		table = append(table, s)
	}
	sort.SliceStable(table, func(i, j int) bool {
		a, b := table[i], table[j]
		if a.alive != b.alive {
			return a.alive
		}
		if a.p.EliminatedRound != b.p.EliminatedRound {
			return a.p.EliminatedRound > b.p.EliminatedRound
		}
		if a.raw != b.raw {
			return a.raw > b.raw
		}
		return a.p.UserID < b.p.UserID
	})

	ranks := make(map[string]int, len(table))
	for i, s := range table {
		if i > 0 && s.sameAs(table[i-1]) {
			ranks[s.p.UserID] = ranks[table[i-1].p.UserID]
			continue
		}
		ranks[s.p.UserID] = i + 1
	}

	winner := ""
	if len(table) > 0 && (len(table) == 1 || !table[0].sameAs(table[1])) {
		winner = table[0].p.UserID
	}

	for _, s := range table {
		rank := ranks[s.p.UserID]
		_, err := c.store.Update(ctx, matchID, s.p.UserID, func(p *store.PlayerMatchState) error {
			p.Phase = store.PhaseFinished
			p.Rank = rank
			p.RoundDeadline = nil
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("rank %s: %w", s.p.UserID, err)
		}
	}
	if err := c.store.FinishMatch(ctx, matchID, winner, round); err != nil {
		return "", fmt.Errorf("finish match: %w", err)
	}
	return winner, nil
}
