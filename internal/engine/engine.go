package engine

type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

type Winner string

const (
	WinnerA    Winner = "A"
	WinnerB    Winner = "B"
	WinnerDraw Winner = "DRAW"
)

// Slot is one board position. An empty Kind means the slot is free.
type Slot struct {
	Kind  string `json:"kind,omitempty"`
	Stack int    `json:"stack"`
}

func (s Slot) Empty() bool { return s.Kind == "" || s.Stack <= 0 }

// Effect is a pending buff granted outside the board (e.g. a spell bought in
// the shop). Effects are consumed by the battle that follows.
type Effect struct {
	Target     BuffTarget `json:"target"`
	Stat       BuffStat   `json:"stat"`
	Multiplier float64    `json:"multiplier"`
}

// Combatant is one side's input to a battle.
type Combatant struct {
	Board    []Slot
	TowerHP  float64
	TowerDPS float64
	Effects  []Effect
}

type Options struct {
	TicksToReach   int
	MaxTicks       int
	TicksPerSecond int
}

var DefaultOptions = Options{
	TicksToReach:   10,
	MaxTicks:       240,
	TicksPerSecond: 4,
}

func (o Options) normalized() Options {
	if o.TicksToReach <= 0 {
		o.TicksToReach = DefaultOptions.TicksToReach
	}
	if o.MaxTicks <= 0 {
		o.MaxTicks = DefaultOptions.MaxTicks
	}
	if o.TicksPerSecond <= 0 {
		o.TicksPerSecond = DefaultOptions.TicksPerSecond
	}
	return o
}

// UnitInfo is the roster entry of a unit as it entered the battle.
type UnitInfo struct {
	ID         int     `json:"id"`
	Side       Side    `json:"side"`
	Kind       string  `json:"kind"`
	HP         float64 `json:"hp"`
	MaxHP      float64 `json:"maxHp"`
	DmgPerTick float64 `json:"dmgPerTick"`
	Approach   int     `json:"approach"`
}

type SideTick struct {
	Alive       int     `json:"alive"`
	Reached     int     `json:"reached"`
	Dead        int     `json:"dead"`
	TowerDamage float64 `json:"towerDamage"` // damage taken by this side's tower
}

type TickSummary struct {
	Tick int      `json:"tick"`
	A    SideTick `json:"a"`
	B    SideTick `json:"b"`
}

type Shot struct {
	Source string  `json:"source"`
	Damage float64 `json:"damage"`
	Splash int     `json:"splash"`
	Hits   int     `json:"hits"`
}

// TickShots lists the shots one side fired on one tick.
type TickShots struct {
	Tick  int    `json:"tick"`
	From  Side   `json:"from"`
	Shots []Shot `json:"shots"`
}

type Result struct {
	Winner         Winner        `json:"winner"`
	Ticks          int           `json:"ticks"`
	TowerHPA       float64       `json:"towerHpA"`
	TowerHPB       float64       `json:"towerHpB"`
	RemainingA     int           `json:"remainingA"`
	RemainingB     int           `json:"remainingB"`
	Events         []Event       `json:"events"`
	Summary        []TickSummary `json:"summary"`
	Shots          []TickShots   `json:"shots"`
	UnitsA         []UnitInfo    `json:"unitsA"`
	UnitsB         []UnitInfo    `json:"unitsB"`
	TicksToReach   int           `json:"ticksToReach"`
	TicksPerSecond int           `json:"ticksPerSecond"`
}

// TowerDamageTo sums every tower event landing on side.
func (r Result) TowerDamageTo(side Side) float64 {
	total := 0.0
	for _, ev := range r.Events {
		if td, ok := ev.(TowerDamage); ok && td.To == side {
			total += td.Amount
		}
	}
	return total
}

// Simulate runs one battle between a and b. It is a pure function of its
// inputs: the same arguments always produce the same Result.
func Simulate(a, b Combatant, defs Definitions, opts Options) Result {
	opts = opts.normalized()
	tps := float64(opts.TicksPerSecond)

	multA := ComputeMultipliers(a.Board, a.Effects, defs)
	multB := ComputeMultipliers(b.Board, b.Effects, defs)

	nextID := 1
	unitsA := expandBoard(SideA, a.Board, defs, multA, opts, &nextID)
	unitsB := expandBoard(SideB, b.Board, defs, multB, opts, &nextID)

	res := Result{
		Winner:         WinnerDraw,
		TowerHPA:       a.TowerHP,
		TowerHPB:       b.TowerHP,
		UnitsA:         roster(unitsA),
		UnitsB:         roster(unitsB),
		TicksToReach:   opts.TicksToReach,
		TicksPerSecond: opts.TicksPerSecond,
	}

	planA := shotPlan(a, defs, multA, tps)
	planB := shotPlan(b, defs, multB, tps)

	if len(unitsA) == 0 && len(unitsB) == 0 {
		return res
	}

	for tick := 1; tick <= opts.MaxTicks; tick++ {
		res.Ticks = tick
		row := TickSummary{Tick: tick}

		// Both plans are fixed before either is applied: fire is simultaneous.
		deadBeforeA, deadBeforeB := countDead(unitsA), countDead(unitsB)
		onB, firedA := applyShots(planA, unitsB)
		onA, firedB := applyShots(planB, unitsA)
		if onB > 0 {
			res.Events = append(res.Events, UnitDamage{From: SideA, To: SideB, Amount: onB, Tick: tick})
		}
		if onA > 0 {
			res.Events = append(res.Events, UnitDamage{From: SideB, To: SideA, Amount: onA, Tick: tick})
		}
		if len(firedA) > 0 {
			res.Shots = append(res.Shots, TickShots{Tick: tick, From: SideA, Shots: firedA})
		}
		if len(firedB) > 0 {
			res.Shots = append(res.Shots, TickShots{Tick: tick, From: SideB, Shots: firedB})
		}

		dmgToB, reachedA := advance(unitsA)
		dmgToA, reachedB := advance(unitsB)
		if dmgToB > 0 {
			pre := res.TowerHPB
			res.TowerHPB -= dmgToB
			res.Events = append(res.Events, TowerDamage{From: SideA, To: SideB, Amount: pre - res.TowerHPB, Tick: tick})
			row.B.TowerDamage = pre - res.TowerHPB
		}
		if dmgToA > 0 {
			pre := res.TowerHPA
			res.TowerHPA -= dmgToA
			res.Events = append(res.Events, TowerDamage{From: SideB, To: SideA, Amount: pre - res.TowerHPA, Tick: tick})
			row.A.TowerDamage = pre - res.TowerHPA
		}

		row.A.Alive, row.B.Alive = countAlive(unitsA), countAlive(unitsB)
		row.A.Reached, row.B.Reached = reachedA, reachedB
		row.A.Dead = countDead(unitsA) - deadBeforeA
		row.B.Dead = countDead(unitsB) - deadBeforeB
		res.Summary = append(res.Summary, row)

		if w, done := terminal(res.TowerHPA, res.TowerHPB, row.A.Alive, row.B.Alive); done {
			res.Winner = w
			break
		}
	}

	res.RemainingA = countAlive(unitsA)
	res.RemainingB = countAlive(unitsB)
	return res
}

func terminal(hpA, hpB float64, aliveA, aliveB int) (Winner, bool) {
	switch {
	case hpA <= 0 && hpB <= 0:
		return WinnerDraw, true
	case hpA <= 0:
		return WinnerB, true
	case hpB <= 0:
		return WinnerA, true
	case aliveA == 0 && aliveB == 0:
		return WinnerDraw, true
	}
	return WinnerDraw, false
}
