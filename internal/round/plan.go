package round

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
	"github.com/DoyleJ11/tower-duel-backend/pkg/types"
)

// Delta is what one round did to one player. RawHP is the tower hp before
// clamping at zero and breaks ties when nobody survives.
type Delta struct {
	UserID      string  `json:"userId"`
	Opponent    string  `json:"opponent,omitempty"`
	DamageTaken float64 `json:"damageTaken"`
	DamageDealt float64 `json:"damageDealt"`
	RawHP       float64 `json:"rawHp"`
	Eliminated  bool    `json:"eliminated"`
	Reason      string  `json:"reason,omitempty"`
}

// Plan is the resolved outcome of a round. It is persisted as the round
// replay, so a retried round-end applies exactly the same numbers.
type Plan struct {
	Round  int                `json:"round"`
	Deltas map[string]Delta   `json:"deltas"`
	Update types.BattleUpdate `json:"update"`
}

type pairing struct {
	a, b *store.PlayerMatchState // b is nil for a bye
}

// pair matches players in user id order. An odd player out sits the round
// out.
func pair(players []*store.PlayerMatchState) []pairing {
	var out []pairing
	for i := 0; i < len(players); i += 2 {
		if i+1 < len(players) {
			out = append(out, pairing{a: players[i], b: players[i+1]})
		} else {
			out = append(out, pairing{a: players[i]})
		}
	}
	return out
}

func combatant(p *store.PlayerMatchState) engine.Combatant {
	return engine.Combatant{
		Board:    p.Board,
		TowerHP:  p.TowerHP,
		TowerDPS: p.TowerDPS,
		Effects:  p.PendingEffects,
	}
}

// buildPlan simulates every pairing of players. players must be sorted by
// user id.
func (c *Coordinator) buildPlan(matchID string, round int, players []*store.PlayerMatchState) *Plan {
	pairs := pair(players)
	results := make([]engine.Result, len(pairs))

	var g errgroup.Group
	for i, pr := range pairs {
		if pr.b == nil {
			continue
		}
		g.Go(func() error {
			results[i] = engine.Simulate(combatant(pr.a), combatant(pr.b), c.defs, c.cfg.Battle)
			return nil
		})
	}
	_ = g.Wait()

	opts := c.cfg.Battle
	if opts.TicksPerSecond <= 0 {
		opts.TicksPerSecond = engine.DefaultOptions.TicksPerSecond
	}
	if opts.TicksToReach <= 0 {
		opts.TicksToReach = engine.DefaultOptions.TicksToReach
	}
	tickMs := 1000 / opts.TicksPerSecond

	plan := &Plan{
		Round:  round,
		Deltas: make(map[string]Delta, len(players)),
		Update: types.BattleUpdate{
			Type:         types.TypeBattleUpdate,
			Match:        matchID,
			Round:        round,
			TickMs:       tickMs,
			TicksToReach: opts.TicksToReach,
			Events:       []types.BattleEvent{},
			InitialUnits: []types.InitialUnit{},
			ShotsPerTick: []types.TickShots{},
			PostHP:       make(map[string]float64, len(players)),
		},
	}
	summaries := map[int]map[string]types.SideSummary{}

	for i, pr := range pairs {
		if pr.b == nil {
			plan.Deltas[pr.a.UserID] = Delta{UserID: pr.a.UserID, RawHP: pr.a.TowerHP}
			plan.Update.PostHP[pr.a.UserID] = pr.a.TowerHP
			continue
		}
		res := results[i]
		users := map[engine.Side]string{engine.SideA: pr.a.UserID, engine.SideB: pr.b.UserID}

		for side, p := range map[engine.Side]*store.PlayerMatchState{engine.SideA: pr.a, engine.SideB: pr.b} {
			taken := res.TowerDamageTo(side)
			raw := p.TowerHP - taken
			plan.Deltas[p.UserID] = Delta{
				UserID:      p.UserID,
				Opponent:    users[side.Other()],
				DamageTaken: taken,
				DamageDealt: res.TowerDamageTo(side.Other()),
				RawHP:       raw,
				Eliminated:  raw <= 0,
			}
			plan.Update.PostHP[p.UserID] = max(0, raw)
		}
		for _, el := range engine.Overrides(pr.a.Board, pr.b.Board, c.defs) {
			d := plan.Deltas[users[el.Side]]
			d.Eliminated, d.Reason = true, el.Reason
			plan.Deltas[d.UserID] = d
			plan.Update.Eliminated = append(plan.Update.Eliminated, types.Elimination{UserID: d.UserID, Reason: el.Reason})
		}

		for _, ev := range res.Events {
			from, to, amount, tick := engine.EventParts(ev)
			plan.Update.Events = append(plan.Update.Events, types.BattleEvent{
				FromUser:   users[from],
				ToUser:     users[to],
				Amount:     amount,
				AtMsOffset: tick * tickMs,
				Target:     engine.EventTarget(ev),
			})
		}
		for _, u := range append(append([]engine.UnitInfo{}, res.UnitsA...), res.UnitsB...) {
			plan.Update.InitialUnits = append(plan.Update.InitialUnits, types.InitialUnit{
				ID:         u.ID,
				Owner:      users[u.Side],
				Kind:       u.Kind,
				HP:         u.HP,
				MaxHP:      u.MaxHP,
				DmgPerTick: u.DmgPerTick,
				Approach:   u.Approach,
			})
		}
		for _, ts := range res.Shots {
			shots := make([]types.ShotDetail, 0, len(ts.Shots))
			for _, s := range ts.Shots {
				shots = append(shots, types.ShotDetail{Source: s.Source, Damage: s.Damage, Splash: s.Splash, Hits: s.Hits})
			}
			plan.Update.ShotsPerTick = append(plan.Update.ShotsPerTick, types.TickShots{Tick: ts.Tick, FromUser: users[ts.From], Shots: shots})
		}
		for _, row := range res.Summary {
			m := summaries[row.Tick]
			if m == nil {
				m = map[string]types.SideSummary{}
				summaries[row.Tick] = m
			}
			m[users[engine.SideA]] = sideSummary(row.A)
			m[users[engine.SideB]] = sideSummary(row.B)
		}
	}

	for tick := 1; tick <= len(summaries); tick++ {
		plan.Update.PerTickSummary = append(plan.Update.PerTickSummary, types.TickSummary{Tick: tick, Sides: summaries[tick]})
	}
	return plan
}

func sideSummary(s engine.SideTick) types.SideSummary {
	return types.SideSummary{Alive: s.Alive, Reached: s.Reached, Dead: s.Dead, TowerDamage: s.TowerDamage}
}

// EncodeReplay packs a plan for RoundSnapshot.Replay.
func EncodeReplay(p *Plan) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode replay: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeReplay(b []byte) (*Plan, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode replay: %w", err)
	}
	return &p, nil
}

// winnerOf names the round's headline result for the snapshot row: the
// single player who dealt the most damage, or "" for a draw.
func winnerOf(p *Plan) string {
	best, bestDmg, tie := "", -1.0, false
	for _, d := range p.Deltas {
		switch {
		case d.DamageDealt > bestDmg:
			best, bestDmg, tie = d.UserID, d.DamageDealt, false
		case d.DamageDealt == bestDmg:
			tie = true
		}
	}
	if tie || bestDmg <= 0 {
		return ""
	}
	return best
}
