// Package schedule arms one round-deadline timer per match and resolves the
// round through the coordinator when it fires.
package schedule

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/room"
	"github.com/DoyleJ11/tower-duel-backend/internal/round"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

type Ender interface {
	EndRound(ctx context.Context, req round.Request) error
}

type Rooms interface {
	Ensure(ctx context.Context, matchID string) *room.Room
	Get(ctx context.Context, matchID string) *room.Room
}

type Presence interface {
	IsConnected(matchID, userID string) bool
}

type Config struct {
	Durations round.Durations
	// MinDelay floors every timer so an overdue deadline still leaves a
	// moment for in-flight client actions.
	MinDelay time.Duration
	// StaleAfter skips scheduling for matches with nobody connected and no
	// broadcast for this long. Zero disables the check.
	StaleAfter time.Duration
}

type Scheduler struct {
	ctx      context.Context
	store    store.Store
	rooms    Rooms
	ender    Ender
	presence Presence
	clock    clockwork.Clock
	cfg      Config
	log      *zap.Logger
}

// New returns a Scheduler. ctx bounds the work done when timers fire.
func New(ctx context.Context, st store.Store, rooms Rooms, ender Ender, presence Presence, clk clockwork.Clock, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		ctx:      ctx,
		store:    st,
		rooms:    rooms,
		ender:    ender,
		presence: presence,
		clock:    clk,
		cfg:      cfg,
		log:      log,
	}
}

// Schedule arms the match's deadline timer for the round it is waiting on.
// Calling it again for an unchanged round and deadline is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, matchID string) {
	log := s.log.With(zap.String("match_id", matchID))
	rm := s.rooms.Get(ctx, matchID)
	if rm == nil {
		// A finished match has no room left; don't bring one back.
		if !s.hasActive(ctx, matchID) {
			return
		}
		rm = s.rooms.Ensure(ctx, matchID)
		if rm == nil {
			return
		}
	}
	unlock := rm.LockSchedule()
	defer unlock()

	players, err := s.store.Players(ctx, matchID)
	if err != nil {
		log.Error("schedule: list players", zap.Error(err))
		return
	}
	var active []*store.PlayerMatchState
	for _, p := range players {
		if round.Active(p) {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		if rm.Disarm() {
			log.Debug("match no longer active, timer cleared")
		}
		return
	}

	now := s.clock.Now()
	pending := round.PendingRound(active[0])
	var deadline time.Time
	connected := false
	for _, p := range active {
		pending = min(pending, round.PendingRound(p))
		if p.RoundDeadline != nil && p.RoundDeadline.After(deadline) {
			deadline = *p.RoundDeadline
		}
		if s.presence != nil && s.presence.IsConnected(matchID, p.UserID) {
			connected = true
		}
	}
	if deadline.IsZero() {
		deadline = now.Add(s.cfg.Durations.For(pending))
	}

	if !connected && s.cfg.StaleAfter > 0 {
		last := rm.LastBroadcast()
		if last.IsZero() || now.Sub(last) > s.cfg.StaleAfter {
			log.Debug("match looks abandoned, not scheduling", zap.Time("last_broadcast", last))
			return
		}
	}

	if r, d, ok := rm.Armed(); ok && r == pending && d.Equal(deadline) {
		return
	}

	delay := max(deadline.Sub(now), s.cfg.MinDelay)
	rm.Arm(pending, deadline, func(gen uint64) clockwork.Timer {
		return s.clock.AfterFunc(delay, func() { s.fire(matchID, gen) })
	})
	log.Debug("round deadline armed", zap.Int("round", pending), zap.Time("deadline", deadline), zap.Duration("delay", delay))
}

// Cancel stops the match's pending timer, if any.
func (s *Scheduler) Cancel(matchID string) {
	rm := s.rooms.Get(s.ctx, matchID)
	if rm == nil {
		return
	}
	unlock := rm.LockSchedule()
	defer unlock()
	rm.Disarm()
}

func (s *Scheduler) fire(matchID string, gen uint64) {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}
	log := s.log.With(zap.String("match_id", matchID))
	rm := s.rooms.Get(ctx, matchID)
	if rm == nil {
		return
	}

	unlock := rm.LockSchedule()
	armedRound, _, _ := rm.Armed()
	current := rm.Fired(gen)
	unlock()
	if !current {
		log.Debug("superseded timer fired, ignoring")
		return
	}

	userID := s.pickRequester(ctx, matchID, armedRound)
	if userID == "" {
		log.Debug("no surviving player to end the round for")
		return
	}
	log.Info("round deadline reached", zap.Int("round", armedRound), zap.String("user_id", userID))
	if err := s.ender.EndRound(ctx, round.Request{MatchID: matchID, UserID: userID, Round: armedRound, Trigger: round.TriggerTimer}); err != nil {
		log.Error("timed round-end failed", zap.Error(err))
	}
	s.Schedule(ctx, matchID)
}

func (s *Scheduler) hasActive(ctx context.Context, matchID string) bool {
	players, err := s.store.Players(ctx, matchID)
	if err != nil {
		s.log.Error("schedule: list players", zap.String("match_id", matchID), zap.Error(err))
		return false
	}
	for _, p := range players {
		if round.Active(p) {
			return true
		}
	}
	return false
}

// pickRequester prefers a connected survivor still waiting on r.
func (s *Scheduler) pickRequester(ctx context.Context, matchID string, r int) string {
	players, err := s.store.Players(ctx, matchID)
	if err != nil {
		s.log.Error("fire: list players", zap.String("match_id", matchID), zap.Error(err))
		return ""
	}
	best, bestScore := "", -1
	for _, p := range players {
		if !round.Active(p) {
			continue
		}
		score := 0
		if round.PendingRound(p) == r {
			score += 2
		}
		if s.presence != nil && s.presence.IsConnected(matchID, p.UserID) {
			score++
		}
		if score > bestScore {
			best, bestScore = p.UserID, score
		}
	}
	return best
}
