package types

import "time"

type Slot struct {
	Kind  string `json:"kind,omitempty"`
	Stack int    `json:"stack"`
}

// SelfView is everything the recipient may know about their own state.
type SelfView struct {
	UserID        string     `json:"userId"`
	Board         []Slot     `json:"board"`
	Hand          []string   `json:"hand"`
	DeckCount     int        `json:"deckCount"`
	DiscardCount  int        `json:"discardCount"`
	Gold          int        `json:"gold"`
	TowerHP       float64    `json:"towerHp"`
	TowerHPMax    float64    `json:"towerHpMax"`
	TowerDPS      float64    `json:"towerDps"`
	TowerLevel    int        `json:"towerLevel"`
	ShopOffer     []string   `json:"shopOffer"`
	RoundDeadline *time.Time `json:"roundDeadline,omitempty"`
	Eliminated    bool       `json:"eliminated"`
	Rank          int        `json:"rank,omitempty"`
}

// PlayerSummary is the public view of any participant, the recipient
// included.
type PlayerSummary struct {
	UserID     string  `json:"userId"`
	TowerHP    float64 `json:"towerHp"`
	TowerHPMax float64 `json:"towerHpMax"`
	Round      int     `json:"round"`
	Eliminated bool    `json:"eliminated"`
	Rank       int     `json:"rank,omitempty"`
	Connected  bool    `json:"connected"`
	BoardSize  int     `json:"boardSize"`
}

// State is the per-recipient snapshot.
type State struct {
	Type    string          `json:"type"`
	Match   string          `json:"match"`
	Phase   string          `json:"phase"`
	Round   int             `json:"round"`
	Self    *SelfView       `json:"self,omitempty"` // nil for spectators
	Players []PlayerSummary `json:"players"`
}
