package engine

import "encoding/json"

// Event is a damage record. The set of implementations is closed:
// UnitDamage and TowerDamage.
type Event interface {
	isEvent()
	EventTick() int
}

// UnitDamage is the hp a side's shots removed from the enemy's units on one
// tick. Amount is observed, so overkill is not counted.
type UnitDamage struct {
	From   Side
	To     Side
	Amount float64
	Tick   int
}

// TowerDamage is the hp a side's arrived units removed from the enemy tower
// on one tick.
type TowerDamage struct {
	From   Side
	To     Side
	Amount float64
	Tick   int
}

func (UnitDamage) isEvent()  {}
func (TowerDamage) isEvent() {}

func (e UnitDamage) EventTick() int  { return e.Tick }
func (e TowerDamage) EventTick() int { return e.Tick }

type wireEvent struct {
	From   Side    `json:"from"`
	To     Side    `json:"to"`
	Amount float64 `json:"amount"`
	Tick   int     `json:"tick"`
	Target string  `json:"target"`
}

const (
	TargetUnits = "units"
	TargetTower = "tower"
)

func (e UnitDamage) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{From: e.From, To: e.To, Amount: e.Amount, Tick: e.Tick, Target: TargetUnits})
}

func (e TowerDamage) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{From: e.From, To: e.To, Amount: e.Amount, Tick: e.Tick, Target: TargetTower})
}

// EventTarget reports "units" or "tower" for ev.
func EventTarget(ev Event) string {
	if _, ok := ev.(TowerDamage); ok {
		return TargetTower
	}
	return TargetUnits
}

// EventParts unpacks the fields every variant shares.
func EventParts(ev Event) (from, to Side, amount float64, tick int) {
	switch e := ev.(type) {
	case UnitDamage:
		return e.From, e.To, e.Amount, e.Tick
	case TowerDamage:
		return e.From, e.To, e.Amount, e.Tick
	}
	return "", "", 0, 0
}
