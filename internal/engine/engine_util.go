package engine

type unit struct {
	id         int
	side       Side
	kind       string
	hp         float64
	maxHP      float64
	dmgPerTick float64
	approach   int
	reached    bool
}

func (u *unit) alive() bool { return u.hp > 0 }

func expandBoard(side Side, board []Slot, defs Definitions, m Multipliers, opts Options, nextID *int) []*unit {
	tps := float64(opts.TicksPerSecond)
	var units []*unit
	for _, slot := range board {
		if slot.Empty() {
			continue
		}
		def := defs.Resolve(slot.Kind)
		if def.Role != RoleAttacker {
			continue
		}
		perStack := def.Config.EnemiesPerStack
		if perStack < 1 {
			perStack = 1
		}
		count := slot.Stack * perStack
		dmg := def.Damage * (1 + def.Config.StackDamageBonus*float64(slot.Stack-1)) * m.UnitDamage / tps
		hp := def.HP * m.UnitHP
		approach := def.ApproachTicks
		if approach <= 0 {
			approach = opts.TicksToReach
		}
		for i := 0; i < count; i++ {
			units = append(units, &unit{
				id:         *nextID,
				side:       side,
				kind:       def.Kind,
				hp:         hp,
				maxHP:      hp,
				dmgPerTick: dmg,
				approach:   approach,
			})
			*nextID++
		}
	}
	return units
}

func roster(units []*unit) []UnitInfo {
	out := make([]UnitInfo, 0, len(units))
	for _, u := range units {
		out = append(out, UnitInfo{
			ID:         u.id,
			Side:       u.side,
			Kind:       u.kind,
			HP:         u.hp,
			MaxHP:      u.maxHP,
			DmgPerTick: u.dmgPerTick,
			Approach:   u.approach,
		})
	}
	return out
}

// shotPlan is what a side fires every tick: the tower itself plus every
// defender on its board.
func shotPlan(c Combatant, defs Definitions, m Multipliers, tps float64) []Shot {
	var plan []Shot
	if c.TowerDPS > 0 {
		plan = append(plan, Shot{Source: "tower", Damage: c.TowerDPS * m.TowerDamage / tps, Splash: 1})
	}
	for _, slot := range c.Board {
		if slot.Empty() {
			continue
		}
		def := defs.Resolve(slot.Kind)
		if def.Role != RoleDefender || def.Damage <= 0 {
			continue
		}
		n := def.Shots * slot.Stack
		for i := 0; i < n; i++ {
			plan = append(plan, Shot{Source: def.Kind, Damage: def.Damage * m.TowerDamage / tps, Splash: def.Splash})
		}
	}
	return plan
}

// applyShots fires plan at targets and returns the observed hp removed plus
// the shots annotated with how many units each one touched.
func applyShots(plan []Shot, targets []*unit) (float64, []Shot) {
	if len(plan) == 0 {
		return 0, nil
	}
	total := 0.0
	fired := make([]Shot, 0, len(plan))
	for _, s := range plan {
		order := targetOrder(targets)
		if len(order) == 0 {
			fired = append(fired, s)
			continue
		}
		if s.Splash <= 1 {
			pool := s.Damage
			for _, u := range order {
				if pool <= 0 {
					break
				}
				take := min(pool, u.hp)
				u.hp -= take
				pool -= take
				total += take
				s.Hits++
			}
		} else {
			for i := 0; i < s.Splash && i < len(order); i++ {
				u := order[i]
				take := min(s.Damage, u.hp)
				u.hp -= take
				total += take
				s.Hits++
			}
		}
		fired = append(fired, s)
	}
	return total, fired
}

// advance moves every living unit one tick closer. Units that have arrived
// hit the tower; the second return value counts first arrivals.
func advance(units []*unit) (float64, int) {
	dmg := 0.0
	reached := 0
	for _, u := range units {
		if !u.alive() {
			continue
		}
		u.approach--
		if u.approach <= 0 {
			if !u.reached {
				u.reached = true
				reached++
			}
			dmg += u.dmgPerTick
		}
	}
	return dmg, reached
}

func countAlive(units []*unit) int {
	n := 0
	for _, u := range units {
		if u.alive() {
			n++
		}
	}
	return n
}

func countDead(units []*unit) int { return len(units) - countAlive(units) }
