// Package types holds the server -> client payloads. Every frame is a JSON
// object with a "type" discriminator.
package types

const (
	TypeRoundEnd     = "ROUND_END"
	TypeBattleUpdate = "BATTLE_UPDATE"
	TypeState        = "STATE"
	TypeError        = "ERROR"
)

// RoundEnd announces that round has been resolved and the match moved on to
// phase.
type RoundEnd struct {
	Type   string `json:"type"`
	Match  string `json:"match"`
	Round  int    `json:"round"`
	Phase  string `json:"phase"`
	Winner string `json:"winner,omitempty"` // set when the match finished
}

// BattleEvent is one damage record with sides translated to user ids.
// AtMsOffset is the event's position in the replay timeline.
type BattleEvent struct {
	FromUser   string  `json:"fromUser"`
	ToUser     string  `json:"toUser"`
	Amount     float64 `json:"amount"`
	AtMsOffset int     `json:"atMsOffset"`
	Target     string  `json:"target"` // "units" | "tower"
}

type InitialUnit struct {
	ID         int     `json:"id"`
	Owner      string  `json:"owner"`
	Kind       string  `json:"kind"`
	HP         float64 `json:"hp"`
	MaxHP      float64 `json:"maxHp"`
	DmgPerTick float64 `json:"dmgPerTick"`
	Approach   int     `json:"approach"`
}

type ShotDetail struct {
	Source string  `json:"source"`
	Damage float64 `json:"damage"`
	Splash int     `json:"splash"`
	Hits   int     `json:"hits"`
}

type TickShots struct {
	Tick     int          `json:"tick"`
	FromUser string       `json:"fromUser"`
	Shots    []ShotDetail `json:"shots"`
}

type SideSummary struct {
	Alive       int     `json:"alive"`
	Reached     int     `json:"reached"`
	Dead        int     `json:"dead"`
	TowerDamage float64 `json:"towerDamage"`
}

type TickSummary struct {
	Tick  int                    `json:"tick"`
	Sides map[string]SideSummary `json:"sides"` // keyed by user id
}

// BattleUpdate carries every pairing fought in a round.
type BattleUpdate struct {
	Type           string             `json:"type"`
	Match          string             `json:"match"`
	Round          int                `json:"round"`
	TickMs         int                `json:"tickMs"`
	TicksToReach   int                `json:"ticksToReach"`
	Events         []BattleEvent      `json:"events"`
	InitialUnits   []InitialUnit      `json:"initialUnits"`
	ShotsPerTick   []TickShots        `json:"shotsPerTick"`
	PerTickSummary []TickSummary      `json:"perTickSummary"`
	PostHP         map[string]float64 `json:"postHp"`
	Eliminated     []Elimination      `json:"eliminated,omitempty"`
}

type Elimination struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}
