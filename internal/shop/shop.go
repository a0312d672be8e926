// Package shop holds the between-rounds economy: hand refill, gold and the
// weighted shop offer.
package shop

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

type Rules struct {
	HandSize  int
	ShopSize  int
	GoldCap   int
	BoardSize int
}

var DefaultRules = Rules{
	HandSize:  5,
	ShopSize:  5,
	GoldCap:   10,
	BoardSize: 6,
}

const maxBaseGold = 10

// BaseGold is the income for a round before bonuses and the cap.
func BaseGold(round int) int {
	return max(0, min(round+2, maxBaseGold))
}

// Gold is what a player holds at the start of round's shop phase.
func (r Rules) Gold(round, bonus int) int {
	g := BaseGold(round) + bonus
	if r.GoldCap > 0 {
		g = min(g, r.GoldCap)
	}
	return max(0, g)
}

// RNG returns a generator seeded from the match, user and round so that a
// retried transition deals the same cards.
func RNG(matchID, userID string, round int) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(matchID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return rand.New(rand.NewPCG(h.Sum64(), uint64(round)))
}

// Transition moves p into the shop phase of p.Round. The caller has already
// advanced the round.
func (r Rules) Transition(p *store.PlayerMatchState, defs engine.Catalog, deadline time.Time, rng *rand.Rand) {
	p.Deck = append(p.Deck, p.Hand...)
	p.Hand = nil

	for i, slot := range p.Board {
		if slot.Empty() {
			continue
		}
		if defs.Resolve(slot.Kind).Config.SingleUse {
			for n := 0; n < slot.Stack; n++ {
				p.Discard = append(p.Discard, slot.Kind)
			}
			p.Board[i] = engine.Slot{}
		}
	}
	p.Board = r.fitBoard(p.Board)

	rng.Shuffle(len(p.Deck), func(i, j int) { p.Deck[i], p.Deck[j] = p.Deck[j], p.Deck[i] })
	draw := min(max(0, r.HandSize+p.BonusDraws), len(p.Deck))
	p.Hand = append([]string(nil), p.Deck[:draw]...)
	p.Deck = append([]string(nil), p.Deck[draw:]...)
	p.BonusDraws = 0

	p.Gold = r.Gold(p.Round, p.GoldBonus)
	p.ShopOffer = Offer(defs, r.ShopSize, rng)
	p.Phase = store.PhaseShop
	d := deadline
	p.RoundDeadline = &d
}

// fitBoard pads or trims the board to BoardSize. Trimming only drops empty
// trailing slots.
func (r Rules) fitBoard(board []engine.Slot) []engine.Slot {
	if r.BoardSize <= 0 {
		return board
	}
	for len(board) < r.BoardSize {
		board = append(board, engine.Slot{})
	}
	for len(board) > r.BoardSize && board[len(board)-1].Empty() {
		board = board[:len(board)-1]
	}
	return board
}

// Offer draws n kinds from defs, with replacement, proportional to each
// card's weight. Cards with no weight are only offered when every card has
// none.
func Offer(defs engine.Catalog, n int, rng *rand.Rand) []string {
	kinds := defs.Kinds()
	if len(kinds) == 0 || n <= 0 {
		return nil
	}
	weights := make([]int, len(kinds))
	total := 0
	for i, k := range kinds {
		weights[i] = defs.Resolve(k).Weight
		total += weights[i]
	}
	out := make([]string, 0, n)
	for len(out) < n {
		if total == 0 {
			out = append(out, kinds[rng.IntN(len(kinds))])
			continue
		}
		pick := rng.IntN(total)
		for i, w := range weights {
			if pick < w {
				out = append(out, kinds[i])
				break
			}
			pick -= w
		}
	}
	return out
}
