// Package round resolves match rounds. EndRound is safe to call any number
// of times from any trigger: each (match, round) is simulated, persisted and
// announced at most once.
package round

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/dedupe"
	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/room"
	"github.com/DoyleJ11/tower-duel-backend/internal/shop"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

var (
	ErrUnknownMatch = errors.New("unknown match")
	ErrBadRoster    = errors.New("a match needs at least two distinct players")
)

type Trigger string

const (
	TriggerClient  Trigger = "client"
	TriggerTimer   Trigger = "timer"
	TriggerForfeit Trigger = "forfeit"
)

// Request asks for the round the requester is waiting on to be resolved.
// Round is the round the trigger expects; zero skips that check.
type Request struct {
	MatchID string
	UserID  string
	Round   int
	Trigger Trigger
}

type Broadcaster interface {
	BroadcastRoom(ctx context.Context, matchID string, msg any) error
	BroadcastState(ctx context.Context, matchID string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, matchID string)
	Cancel(matchID string)
}

type Rooms interface {
	Ensure(ctx context.Context, matchID string) *room.Room
	Remove(matchID string)
}

// Durations gives the shop phase length for a round.
type Durations struct {
	Base time.Duration
	Step time.Duration
}

func (d Durations) For(round int) time.Duration {
	if round < 1 {
		round = 1
	}
	return d.Base + time.Duration(round-1)*d.Step
}

type Config struct {
	LockWait  time.Duration
	Battle    engine.Options
	Shop      shop.Rules
	Durations Durations
	TowerHP   float64
	TowerDPS  float64
}

var DefaultConfig = Config{
	LockWait:  5 * time.Second,
	Battle:    engine.DefaultOptions,
	Shop:      shop.DefaultRules,
	Durations: Durations{Base: 45 * time.Second, Step: 5 * time.Second},
	TowerHP:   30,
	TowerDPS:  2,
}

type Coordinator struct {
	store  store.Store
	rooms  Rooms
	bc     Broadcaster
	sched  Scheduler
	defs   engine.Catalog
	claims dedupe.Claimer
	clock  clockwork.Clock
	cfg    Config
	log    *zap.Logger
}

type Option func(*Coordinator)

// WithClaimer adds a cross-process claim check on top of the room-local one.
func WithClaimer(c dedupe.Claimer) Option { return func(co *Coordinator) { co.claims = c } }

func WithClock(c clockwork.Clock) Option { return func(co *Coordinator) { co.clock = c } }

func New(st store.Store, rooms Rooms, bc Broadcaster, defs engine.Catalog, cfg Config, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: st,
		rooms: rooms,
		bc:    bc,
		defs:  defs,
		clock: clockwork.NewRealClock(),
		cfg:   cfg,
		log:   log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetScheduler wires the deadline scheduler, which itself needs the
// coordinator.
func (c *Coordinator) SetScheduler(s Scheduler) { c.sched = s }

func (c *Coordinator) Config() Config { return c.cfg }

// PendingRound is the round whose battle p is waiting on. A player in the
// transient combat phase has had round-1 merged but not its shop transition.
func PendingRound(p *store.PlayerMatchState) int {
	if p.Phase == store.PhaseCombat {
		return p.Round - 1
	}
	return p.Round
}

// Active reports whether p still takes part in rounds.
func Active(p *store.PlayerMatchState) bool {
	return !p.Eliminated && p.Phase.Active()
}

func (c *Coordinator) claim(ctx context.Context, rm *room.Room, key string) bool {
	if !rm.Claim(ctx, key) {
		return false
	}
	if c.claims == nil {
		return true
	}
	ok, err := dedupe.Scoped(c.claims, rm.ID()).Claim(ctx, key)
	if err != nil {
		c.log.Warn("shared claim failed, falling back to local", zap.String("match_id", rm.ID()), zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

func (c *Coordinator) schedule(ctx context.Context, matchID string) {
	if c.sched != nil {
		c.sched.Schedule(ctx, matchID)
	}
}

func (c *Coordinator) cancel(matchID string) {
	if c.sched != nil {
		c.sched.Cancel(matchID)
	}
}
