package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Role string

const (
	RoleAttacker Role = "attacker"
	RoleDefender Role = "defender"
	RoleBuff     Role = "buff"
)

type BuffTarget string

const (
	BuffUnits BuffTarget = "units"
	BuffTower BuffTarget = "tower"
)

type BuffStat string

const (
	StatDamage BuffStat = "damage"
	StatHP     BuffStat = "hp"
)

// CardConfig holds the per-kind design knobs that are not plain stats.
type CardConfig struct {
	EnemiesPerStack  int        `json:"enemies_per_stack,omitempty"`
	StackDamageBonus float64    `json:"stack_damage_bonus,omitempty"`
	BuffTarget       BuffTarget `json:"buff_target,omitempty"`
	BuffStat         BuffStat   `json:"buff_stat,omitempty"`
	BuffMultiplier   float64    `json:"buff_multiplier,omitempty"`
	SingleUse        bool       `json:"single_use,omitempty"`
	Proposal         bool       `json:"proposal,omitempty"`
	Refusal          bool       `json:"refusal,omitempty"`
}

// CardDefinition describes one unit kind. Damage is per second.
type CardDefinition struct {
	Kind          string     `json:"kind"`
	Name          string     `json:"name,omitempty"`
	Role          Role       `json:"role"`
	Damage        float64    `json:"damage"`
	HP            float64    `json:"hp"`
	ApproachTicks int        `json:"approach_ticks,omitempty"`
	Shots         int        `json:"shots,omitempty"`
	Splash        int        `json:"splash,omitempty"`
	Cost          int        `json:"cost,omitempty"`
	Weight        int        `json:"weight,omitempty"`
	Config        CardConfig `json:"config"`
}

// Definitions resolves a unit kind to a usable definition. Resolve never
// fails: unknown kinds come back as baseline stats.
type Definitions interface {
	Resolve(kind string) CardDefinition
}

// Baseline is what an unknown or malformed card falls back to.
var Baseline = CardDefinition{
	Role:   RoleAttacker,
	Damage: 1,
	HP:     1,
	Shots:  1,
	Splash: 1,
	Weight: 1,
}

type Catalog map[string]CardDefinition

func NewCatalog(defs []CardDefinition) Catalog {
	c := make(Catalog, len(defs))
	for _, d := range defs {
		c[d.Kind] = d
	}
	return c
}

func (c Catalog) Lookup(kind string) (CardDefinition, bool) {
	d, ok := c[kind]
	return d, ok
}

func (c Catalog) Resolve(kind string) CardDefinition {
	d, ok := c[kind]
	if !ok {
		d = Baseline
		d.Kind = kind
		return d
	}
	return sanitize(d)
}

// Kinds returns every kind in a stable order.
func (c Catalog) Kinds() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sanitize(d CardDefinition) CardDefinition {
	switch d.Role {
	case RoleAttacker, RoleDefender, RoleBuff:
	default:
		d.Role = Baseline.Role
	}
	if d.Damage < 0 {
		d.Damage = 0
	}
	if d.HP <= 0 {
		d.HP = Baseline.HP
	}
	if d.ApproachTicks < 0 {
		d.ApproachTicks = 0
	}
	if d.Shots <= 0 {
		d.Shots = Baseline.Shots
	}
	if d.Splash <= 0 {
		d.Splash = Baseline.Splash
	}
	if d.Weight < 0 {
		d.Weight = 0
	}
	if d.Config.EnemiesPerStack < 0 {
		d.Config.EnemiesPerStack = 0
	}
	if d.Config.BuffMultiplier <= 0 {
		d.Config.BuffMultiplier = 1
	}
	return d
}

type catalogFile struct {
	Cards []CardDefinition `json:"cards"`
}

// LoadCatalog reads a JSON card file of the form {"cards": [...]}.
func LoadCatalog(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read card file %s: %w", path, err)
	}
	var f catalogFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse card file %s: %w", path, err)
	}
	if len(f.Cards) == 0 {
		return nil, fmt.Errorf("card file %s: cards is empty", path)
	}
	seen := make(map[string]struct{}, len(f.Cards))
	for _, d := range f.Cards {
		k := strings.TrimSpace(d.Kind)
		if k == "" {
			return nil, fmt.Errorf("card file %s: card missing 'kind'", path)
		}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("card file %s: duplicate kind '%s'", path, k)
		}
		seen[k] = struct{}{}
	}
	return NewCatalog(f.Cards), nil
}

// DefaultCatalog is the built-in card set used when no CARDS_FILE is set.
func DefaultCatalog() Catalog {
	return NewCatalog([]CardDefinition{
		{Kind: "goblin", Name: "Goblin", Role: RoleAttacker, Damage: 2, HP: 10, ApproachTicks: 5, Cost: 1, Weight: 10, Config: CardConfig{EnemiesPerStack: 1}},
		{Kind: "ogre", Name: "Ogre", Role: RoleAttacker, Damage: 10, HP: 25, ApproachTicks: 10, Cost: 3, Weight: 5},
		{Kind: "wolfpack", Name: "Wolf Pack", Role: RoleAttacker, Damage: 3, HP: 6, ApproachTicks: 4, Cost: 2, Weight: 6, Config: CardConfig{EnemiesPerStack: 2}},
		{Kind: "knight", Name: "Knight", Role: RoleAttacker, Damage: 6, HP: 40, ApproachTicks: 8, Cost: 4, Weight: 3, Config: CardConfig{StackDamageBonus: 0.5}},
		{Kind: "archer", Name: "Archer", Role: RoleDefender, Damage: 4, HP: 1, Shots: 1, Splash: 1, Cost: 2, Weight: 7},
		{Kind: "cannon", Name: "Cannon", Role: RoleDefender, Damage: 6, HP: 1, Shots: 1, Splash: 3, Cost: 4, Weight: 3},
		{Kind: "banner", Name: "War Banner", Role: RoleBuff, Cost: 2, Weight: 4, Config: CardConfig{BuffTarget: BuffUnits, BuffStat: StatDamage, BuffMultiplier: 1.25}},
		{Kind: "bulwark", Name: "Bulwark", Role: RoleBuff, Cost: 3, Weight: 2, Config: CardConfig{BuffTarget: BuffTower, BuffStat: StatDamage, BuffMultiplier: 1.5, SingleUse: true}},
		{Kind: "ring", Name: "Proposal Ring", Role: RoleBuff, Cost: 1, Weight: 1, Config: CardConfig{Proposal: true, SingleUse: true}},
		{Kind: "rebuff", Name: "Cold Rebuff", Role: RoleBuff, Cost: 1, Weight: 1, Config: CardConfig{Refusal: true, SingleUse: true}},
	})
}
