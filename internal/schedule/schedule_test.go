package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/tower-duel-backend/internal/broadcast"
	"github.com/DoyleJ11/tower-duel-backend/internal/broadcast/broadcasttest"
	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/hub"
	"github.com/DoyleJ11/tower-duel-backend/internal/round"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

var deck = []string{"goblin", "ogre", "archer", "knight", "cannon"}

type env struct {
	ctx   context.Context
	mem   *store.Memory
	hub   *hub.Hub
	reg   *broadcasttest.Registry
	clk   *clockwork.FakeClock
	coord *round.Coordinator
	s     *Scheduler
	cfg   Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zaptest.NewLogger(t)
	mem := store.NewMemory()
	h := hub.NewHub(ctx)
	reg := broadcasttest.NewRegistry()
	clk := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	bc := broadcast.New(h, reg, mem, log, broadcast.WithClock(clk))

	rcfg := round.DefaultConfig
	rcfg.LockWait = time.Second
	coord := round.New(mem, h, bc, engine.DefaultCatalog(), rcfg, log, round.WithClock(clk))

	cfg := Config{Durations: rcfg.Durations, MinDelay: 2 * time.Second, StaleAfter: 10 * time.Minute}
	s := New(ctx, mem, h, coord, reg, clk, cfg, log)
	coord.SetScheduler(s)
	return &env{ctx: ctx, mem: mem, hub: h, reg: reg, clk: clk, coord: coord, s: s, cfg: cfg}
}

func (e *env) start(t *testing.T, users ...string) {
	t.Helper()
	var entries []round.Entry
	for _, u := range users {
		e.reg.Join("m1", "conn-"+u, u)
		entries = append(entries, round.Entry{UserID: u, Deck: deck})
	}
	require.NoError(t, e.coord.StartMatch(e.ctx, "m1", entries))
}

func (e *env) round(t *testing.T, user string) int {
	t.Helper()
	p, err := e.mem.Read(e.ctx, "m1", user)
	require.NoError(t, err)
	return p.Round
}

// timers waits until exactly n deadline timers are pending.
func (e *env) timers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, e.clk.BlockUntilContext(ctx, n), "want %d pending timers", n)
}

func (e *env) roundEventually(t *testing.T, user string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := e.mem.Read(e.ctx, "m1", user)
		return err == nil && p.Round == want
	}, 2*time.Second, 5*time.Millisecond, "%s never reached round %d", user, want)
}

func TestSchedule_TimerEndsRound(t *testing.T) {
	e := newEnv(t)
	e.start(t, "alice", "bob")
	e.timers(t, 1)

	e.clk.Advance(e.cfg.Durations.For(1) - time.Second)
	assert.Equal(t, 1, e.round(t, "alice"), "not yet due")

	e.clk.Advance(time.Second)
	e.roundEventually(t, "alice", 2)
	e.roundEventually(t, "bob", 2)
	e.timers(t, 1)
}

func TestSchedule_ManualTriggerSupersedesTimer(t *testing.T) {
	e := newEnv(t)
	e.start(t, "alice", "bob")
	e.timers(t, 1)

	e.clk.Advance(10 * time.Second)
	require.NoError(t, e.coord.EndRound(e.ctx, round.Request{MatchID: "m1", UserID: "alice", Round: 1, Trigger: round.TriggerClient}))
	require.Equal(t, 2, e.round(t, "alice"))
	e.timers(t, 1)

	// the round 1 deadline passes without effect
	e.clk.Advance(e.cfg.Durations.For(1))
	assert.Equal(t, 2, e.round(t, "alice"))

	e.clk.Advance(e.cfg.Durations.For(2))
	e.roundEventually(t, "alice", 3)
}

func TestSchedule_SameDeadlineIsNotRearmed(t *testing.T) {
	e := newEnv(t)
	e.start(t, "alice", "bob")

	for i := 0; i < 3; i++ {
		e.s.Schedule(e.ctx, "m1")
	}
	e.timers(t, 1)
}

func TestSchedule_AbandonedMatchIsSkipped(t *testing.T) {
	e := newEnv(t)
	deadline := e.clk.Now().Add(time.Minute)
	require.NoError(t, e.mem.CreateMatch(e.ctx, &store.Match{ID: "m1"}, []*store.PlayerMatchState{
		{UserID: "alice", Round: 1, Phase: store.PhaseShop, RoundDeadline: &deadline},
		{UserID: "bob", Round: 1, Phase: store.PhaseShop, RoundDeadline: &deadline},
	}))

	e.s.Schedule(e.ctx, "m1")
	e.timers(t, 0)

	e.reg.Join("m1", "c1", "bob")
	e.s.Schedule(e.ctx, "m1")
	e.timers(t, 1)
}

func TestSchedule_OverdueDeadlineWaitsMinDelay(t *testing.T) {
	e := newEnv(t)
	e.start(t, "alice", "bob")
	past := e.clk.Now().Add(-time.Minute)
	for _, u := range []string{"alice", "bob"} {
		_, err := e.mem.Update(e.ctx, "m1", u, func(p *store.PlayerMatchState) error {
			p.RoundDeadline = &past
			return nil
		})
		require.NoError(t, err)
	}
	e.s.Schedule(e.ctx, "m1")
	e.timers(t, 1)

	e.clk.Advance(e.cfg.MinDelay - time.Millisecond)
	assert.Equal(t, 1, e.round(t, "alice"))
	e.clk.Advance(time.Millisecond)
	e.roundEventually(t, "alice", 2)
}

func TestSchedule_CancelStopsTimer(t *testing.T) {
	e := newEnv(t)
	e.start(t, "alice", "bob")

	e.s.Cancel("m1")
	e.timers(t, 0)
	e.clk.Advance(time.Hour)
	assert.Equal(t, 1, e.round(t, "alice"))
}

func TestSchedule_RunningMatchIsAlwaysArmed(t *testing.T) {
	e := newEnv(t)
	e.start(t, "alice", "bob", "carol")

	for r := 1; r <= 5; r++ {
		e.timers(t, 1)
		e.clk.Advance(e.cfg.Durations.For(r))
		e.roundEventually(t, "carol", r+1)
	}

	e.timers(t, 1)
	require.NoError(t, e.coord.Forfeit(e.ctx, "m1", "alice"))
	e.timers(t, 1)
	require.NoError(t, e.coord.Forfeit(e.ctx, "m1", "bob"))

	m, err := e.mem.Match(e.ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, store.MatchFinished, m.Status)
	e.timers(t, 0)
}

func TestSchedule_FinishedMatchGetsNoRoom(t *testing.T) {
	e := newEnv(t)
	e.start(t, "alice", "bob")
	require.NoError(t, e.coord.Forfeit(e.ctx, "m1", "alice"))
	require.Zero(t, e.hub.Count(e.ctx))

	for i := 0; i < 3; i++ {
		e.s.Schedule(e.ctx, "m1")
	}
	assert.Zero(t, e.hub.Count(e.ctx), "schedule recreated the room of a finished match")
	e.timers(t, 0)
}
