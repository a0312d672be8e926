package round

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/room"
	"github.com/DoyleJ11/tower-duel-backend/internal/shop"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
	"github.com/DoyleJ11/tower-duel-backend/pkg/types"
)

// EndRound resolves the round the match is waiting on. Stale or duplicate
// requests return nil without doing anything; only storage failures of the
// round transition itself are returned, and the next trigger retries them.
func (c *Coordinator) EndRound(ctx context.Context, req Request) error {
	log := c.log.With(
		zap.String("match_id", req.MatchID),
		zap.String("user_id", req.UserID),
		zap.Int("round", req.Round),
		zap.String("trigger", string(req.Trigger)),
	)

	me, err := c.store.Read(ctx, req.MatchID, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownMatch, req.MatchID)
	}
	if err != nil {
		return fmt.Errorf("read requester: %w", err)
	}
	if !Active(me) {
		// Also keeps a finished match from getting its room back.
		log.Debug("requester not in an active round", zap.String("phase", string(me.Phase)), zap.Bool("eliminated", me.Eliminated))
		return nil
	}
	if req.Round == 0 {
		// Pin the round before waiting on the lock, so a request queued
		// behind the resolution it asked for doesn't resolve the next one.
		req.Round = PendingRound(me)
	}

	rm := c.rooms.Ensure(ctx, req.MatchID)
	if rm == nil {
		log.Warn("no room for match, hub is shutting down")
		return nil
	}
	if req.Trigger != TriggerTimer {
		c.cancel(req.MatchID)
	}

	unlock, ok := rm.Acquire(ctx, c.cfg.LockWait)
	if !ok {
		log.Warn("round-end lock busy, giving up", zap.Duration("waited", c.cfg.LockWait))
		return nil
	}
	finished, err := c.endRoundLocked(ctx, log, rm, req)
	unlock()

	if finished {
		c.cancel(req.MatchID)
		c.rooms.Remove(req.MatchID)
		return err
	}
	c.schedule(ctx, req.MatchID)
	return err
}

func (c *Coordinator) endRoundLocked(ctx context.Context, log *zap.Logger, rm *room.Room, req Request) (bool, error) {
	me, err := c.store.Read(ctx, req.MatchID, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrUnknownMatch, req.MatchID)
	}
	if err != nil {
		return false, fmt.Errorf("read requester: %w", err)
	}
	switch {
	case !Active(me):
		log.Debug("requester not in an active round", zap.String("phase", string(me.Phase)), zap.Bool("eliminated", me.Eliminated))
		return false, nil
	case PendingRound(me) != req.Round:
		log.Debug("stale round-end request", zap.Int("current", PendingRound(me)))
		return false, nil
	}

	players, err := c.store.Players(ctx, req.MatchID)
	if err != nil {
		return false, fmt.Errorf("list players: %w", err)
	}
	active := activePlayers(players)
	if len(active) == 0 {
		return false, nil
	}
	round := PendingRound(active[0])
	for _, p := range active[1:] {
		round = min(round, PendingRound(p))
	}
	log = log.With(zap.Int("resolving", round))

	if !rm.Begin(round) {
		log.Debug("round already in flight or processed")
		return false, nil
	}
	completed := false
	defer func() { rm.End(round, completed) }()

	plan, stored := c.loadPlan(ctx, log, rm, round)
	if plan == nil {
		var waiting []*store.PlayerMatchState
		for _, p := range active {
			if PendingRound(p) == round {
				waiting = append(waiting, p)
			}
		}
		plan = c.buildPlan(req.MatchID, round, waiting)
	}
	if !stored {
		c.saveSnapshot(ctx, log, rm, plan)
	}

	// Merge. Players already past this round were merged by an earlier
	// attempt and are left alone.
	for _, p := range active {
		d, ok := plan.Deltas[p.UserID]
		if !ok {
			continue
		}
		_, err := c.store.Update(ctx, req.MatchID, p.UserID, func(s *store.PlayerMatchState) error {
			if s.Phase != store.PhaseShop || s.Round != round {
				return nil
			}
			merge(s, d, round)
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("merge %s: %w", p.UserID, err)
		}
	}

	players, err = c.store.Players(ctx, req.MatchID)
	if err != nil {
		return false, fmt.Errorf("reload players: %w", err)
	}
	survivors := 0
	for _, p := range players {
		if !p.Eliminated {
			survivors++
		}
	}

	phase := store.PhaseShop
	winner := ""
	if survivors <= 1 {
		phase = store.PhaseFinished
		winner, err = c.finalize(ctx, req.MatchID, round, players, plan)
		if err != nil {
			return false, err
		}
	} else if err := c.openShop(ctx, req.MatchID, round, players); err != nil {
		return false, err
	}
	completed = true

	log.Info("round resolved", zap.String("phase", string(phase)), zap.Int("survivors", survivors), zap.String("winner", winner))
	c.announce(ctx, log, rm, round, phase, winner, plan)
	return phase == store.PhaseFinished, nil
}

func activePlayers(players []*store.PlayerMatchState) []*store.PlayerMatchState {
	var out []*store.PlayerMatchState
	for _, p := range players {
		if Active(p) {
			out = append(out, p)
		}
	}
	return out
}

func merge(s *store.PlayerMatchState, d Delta, round int) {
	s.DamageTaken += d.DamageTaken
	s.DamageDealt += d.DamageDealt
	s.TowerHP = max(0, s.TowerHP-d.DamageTaken)
	s.Round = round + 1
	s.Phase = store.PhaseCombat
	s.PendingEffects = nil
	s.RoundDeadline = nil
	if d.Eliminated || s.TowerHP <= 0 {
		s.Eliminated = true
		s.EliminatedRound = round
		s.Phase = store.PhaseFinished
	}
}

// openShop moves every survivor still in the combat phase into the next
// shop phase.
func (c *Coordinator) openShop(ctx context.Context, matchID string, round int, players []*store.PlayerMatchState) error {
	next := round + 1
	deadline := c.clock.Now().Add(c.cfg.Durations.For(next))
	for _, p := range players {
		if p.Eliminated || p.Phase != store.PhaseCombat {
			continue
		}
		_, err := c.store.Update(ctx, matchID, p.UserID, func(s *store.PlayerMatchState) error {
			if s.Eliminated || s.Phase != store.PhaseCombat || s.Round != next {
				return nil
			}
			c.cfg.Shop.Transition(s, c.defs, deadline, shop.RNG(matchID, s.UserID, next))
			return nil
		})
		if err != nil {
			return fmt.Errorf("open shop for %s: %w", p.UserID, err)
		}
	}
	return nil
}

// loadPlan returns the plan of an earlier attempt at round: the stored
// snapshot, or failing that the copy stashed in the room. stored is false
// unless it came from the store.
func (c *Coordinator) loadPlan(ctx context.Context, log *zap.Logger, rm *room.Room, round int) (plan *Plan, stored bool) {
	snap, err := c.store.RoundSnapshot(ctx, rm.ID(), round)
	switch {
	case err == nil:
		plan, err = DecodeReplay(snap.Replay)
		if err == nil {
			log.Info("resuming round from stored snapshot")
			return plan, true
		}
		log.Error("stored replay unreadable", zap.Error(err))
	case !errors.Is(err, store.ErrNotFound):
		log.Warn("read round snapshot", zap.Error(err))
	}

	replay, ok := rm.StashedPlan(round)
	if !ok {
		return nil, false
	}
	plan, err = DecodeReplay(replay)
	if err != nil {
		log.Error("stashed replay unreadable, resimulating", zap.Error(err))
		return nil, false
	}
	log.Info("resuming round from unsaved plan")
	return plan, false
}

// saveSnapshot persists the plan before anything is merged so a retry after
// a partial merge replays identical numbers. The plan is stashed in the room
// first; a failed save is logged and tried again by the next attempt.
func (c *Coordinator) saveSnapshot(ctx context.Context, log *zap.Logger, rm *room.Room, plan *Plan) {
	replay, err := EncodeReplay(plan)
	if err != nil {
		log.Error("encode round snapshot", zap.Error(err))
		return
	}
	rm.StashPlan(plan.Round, replay)
	err = c.store.SaveRoundSnapshot(ctx, &store.RoundSnapshot{
		MatchID:   rm.ID(),
		Round:     plan.Round,
		Winner:    winnerOf(plan),
		Replay:    replay,
		CreatedAt: c.clock.Now(),
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		log.Debug("round snapshot already stored")
	case err != nil:
		log.Error("save round snapshot", zap.Error(err))
	}
}

// announce sends ROUND_END, BATTLE_UPDATE and STATE, each at most once per
// round. Send failures are logged; clients resync with SYNC.
func (c *Coordinator) announce(ctx context.Context, log *zap.Logger, rm *room.Room, round int, phase store.Phase, winner string, plan *Plan) {
	r := strconv.Itoa(round)
	if c.claim(ctx, rm, "round_end:"+r) {
		msg := types.RoundEnd{Type: types.TypeRoundEnd, Match: rm.ID(), Round: round, Phase: string(phase), Winner: winner}
		if err := c.bc.BroadcastRoom(ctx, rm.ID(), msg); err != nil {
			log.Error("broadcast round end", zap.Error(err))
		}
	}
	if plan != nil && c.claim(ctx, rm, "battle:"+r) {
		if err := c.bc.BroadcastRoom(ctx, rm.ID(), plan.Update); err != nil {
			log.Error("broadcast battle update", zap.Error(err))
		}
	}
	if c.claim(ctx, rm, "state:"+r) {
		if err := c.bc.BroadcastState(ctx, rm.ID()); err != nil {
			log.Error("broadcast state", zap.Error(err))
		}
	}
}
