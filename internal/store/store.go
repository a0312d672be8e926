// Package store owns persisted per-player match state. Every mutation goes
// through Update, which reads, applies the callback and writes in one
// transaction.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhaseShop     Phase = "shop"
	PhaseCombat   Phase = "combat"
	PhaseFinished Phase = "finished"
)

// Active is true while rounds are still being played.
func (p Phase) Active() bool { return p == PhaseShop || p == PhaseCombat }

type PlayerMatchState struct {
	MatchID string
	UserID  string

	Board   []engine.Slot
	Hand    []string
	Deck    []string
	Discard []string
	Gold    int

	TowerHP    float64
	TowerHPMax float64
	TowerDPS   float64
	TowerLevel int

	Round                 int
	Phase                 Phase
	RoundDeadline         *time.Time
	LastTowerUpgradeRound int

	Eliminated      bool
	EliminatedRound int
	Rank            int

	ShopOffer      []string
	PendingEffects []engine.Effect
	BonusDraws     int
	GoldBonus      int

	DamageDealt float64
	DamageTaken float64

	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can hold state without aliasing the
// store's slices.
func (s *PlayerMatchState) Clone() *PlayerMatchState {
	if s == nil {
		return nil
	}
	c := *s
	c.Board = slices.Clone(s.Board)
	c.Hand = slices.Clone(s.Hand)
	c.Deck = slices.Clone(s.Deck)
	c.Discard = slices.Clone(s.Discard)
	c.ShopOffer = slices.Clone(s.ShopOffer)
	c.PendingEffects = slices.Clone(s.PendingEffects)
	if s.RoundDeadline != nil {
		d := *s.RoundDeadline
		c.RoundDeadline = &d
	}
	return &c
}

type MatchStatus string

const (
	MatchRunning  MatchStatus = "running"
	MatchFinished MatchStatus = "finished"
)

type Match struct {
	ID            string
	Status        MatchStatus
	WinnerUserID  string
	FinishedRound int
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

// RoundSnapshot is the write-once record of a resolved round. Replay holds
// the msgpack-encoded battle log.
type RoundSnapshot struct {
	MatchID   string
	Round     int
	Winner    string
	Replay    []byte
	CreatedAt time.Time
}

type Store interface {
	CreateMatch(ctx context.Context, m *Match, players []*PlayerMatchState) error
	Match(ctx context.Context, matchID string) (*Match, error)
	Read(ctx context.Context, matchID, userID string) (*PlayerMatchState, error)
	// Players returns every participant ordered by user id.
	Players(ctx context.Context, matchID string) ([]*PlayerMatchState, error)
	// Update applies fn to the current row and persists the result. When fn
	// returns an error nothing is written and the error is returned as is.
	Update(ctx context.Context, matchID, userID string, fn func(*PlayerMatchState) error) (*PlayerMatchState, error)
	FinishMatch(ctx context.Context, matchID, winnerUserID string, round int) error
	// SaveRoundSnapshot returns ErrDuplicate if (match, round) already exists.
	SaveRoundSnapshot(ctx context.Context, snap *RoundSnapshot) error
	RoundSnapshot(ctx context.Context, matchID string, round int) (*RoundSnapshot, error)
}
