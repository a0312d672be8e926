package engine

// Multipliers are fixed for the whole battle once computed.
type Multipliers struct {
	UnitDamage  float64
	UnitHP      float64
	TowerDamage float64
}

var neutral = Multipliers{UnitDamage: 1, UnitHP: 1, TowerDamage: 1}

// ComputeMultipliers folds buff cards on the board and pending effects into a
// single set of multipliers. Same-target buffs stack multiplicatively; a buff
// card counts once per stack.
func ComputeMultipliers(board []Slot, effects []Effect, defs Definitions) Multipliers {
	m := neutral
	for _, slot := range board {
		if slot.Empty() {
			continue
		}
		def := defs.Resolve(slot.Kind)
		if def.Role != RoleBuff {
			continue
		}
		for i := 0; i < slot.Stack; i++ {
			m.apply(def.Config.BuffTarget, def.Config.BuffStat, def.Config.BuffMultiplier)
		}
	}
	for _, e := range effects {
		m.apply(e.Target, e.Stat, e.Multiplier)
	}
	return m
}

func (m *Multipliers) apply(target BuffTarget, stat BuffStat, mult float64) {
	if mult <= 0 {
		return
	}
	switch {
	case target == BuffUnits && stat == StatDamage:
		m.UnitDamage *= mult
	case target == BuffUnits && stat == StatHP:
		m.UnitHP *= mult
	case target == BuffTower && stat == StatDamage:
		m.TowerDamage *= mult
	}
}

// Elimination is a post-battle override that removes a side from the match
// no matter what its tower hp is.
type Elimination struct {
	Side   Side
	Reason string
}

const ReasonProposalRefused = "proposal_refused"

// Overrides evaluates card rules that bypass tower hp. A side that fields a
// proposal card against a board holding a refusal card is eliminated. Both
// sides are checked independently.
func Overrides(a, b []Slot, defs Definitions) []Elimination {
	var out []Elimination
	if hasFlag(a, defs, isProposal) && hasFlag(b, defs, isRefusal) {
		out = append(out, Elimination{Side: SideA, Reason: ReasonProposalRefused})
	}
	if hasFlag(b, defs, isProposal) && hasFlag(a, defs, isRefusal) {
		out = append(out, Elimination{Side: SideB, Reason: ReasonProposalRefused})
	}
	return out
}

func isProposal(d CardDefinition) bool { return d.Config.Proposal }
func isRefusal(d CardDefinition) bool  { return d.Config.Refusal }

func hasFlag(board []Slot, defs Definitions, pred func(CardDefinition) bool) bool {
	for _, slot := range board {
		if slot.Empty() {
			continue
		}
		if pred(defs.Resolve(slot.Kind)) {
			return true
		}
	}
	return false
}
