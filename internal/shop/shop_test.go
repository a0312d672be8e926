package shop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

func TestBaseGold(t *testing.T) {
	cases := []struct{ round, want int }{
		{1, 3}, {2, 4}, {8, 10}, {20, 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BaseGold(tc.round), "round %d", tc.round)
	}
}

func TestRules_GoldIsCapped(t *testing.T) {
	r := Rules{GoldCap: 6}
	assert.Equal(t, 5, r.Gold(2, 1))
	assert.Equal(t, 6, r.Gold(2, 5))
	assert.Equal(t, 3, Rules{}.Gold(1, 0))
}

func TestTransition(t *testing.T) {
	defs := engine.DefaultCatalog()
	rules := Rules{HandSize: 3, ShopSize: 4, GoldCap: 10, BoardSize: 4}
	deadline := time.Unix(1000, 0)

	p := &store.PlayerMatchState{
		Round:      2,
		Phase:      store.PhaseCombat,
		Board:      []engine.Slot{{Kind: "goblin", Stack: 2}, {Kind: "bulwark", Stack: 1}},
		Hand:       []string{"ogre", "archer"},
		Deck:       []string{"goblin", "knight", "cannon", "banner"},
		BonusDraws: 1,
		GoldBonus:  1,
	}
	rules.Transition(p, defs, deadline, RNG("m1", "alice", 2))

	assert.Equal(t, store.PhaseShop, p.Phase)
	assert.Equal(t, 5, p.Gold)
	require.NotNil(t, p.RoundDeadline)
	assert.True(t, p.RoundDeadline.Equal(deadline))

	assert.Len(t, p.Hand, 4, "hand size plus one bonus draw")
	assert.Len(t, p.Deck, 2)
	assert.Zero(t, p.BonusDraws)
	assert.ElementsMatch(t, []string{"ogre", "archer", "goblin", "knight", "cannon", "banner"}, append(append([]string{}, p.Hand...), p.Deck...))

	assert.Equal(t, []string{"bulwark"}, p.Discard)
	require.Len(t, p.Board, 4)
	assert.Equal(t, engine.Slot{Kind: "goblin", Stack: 2}, p.Board[0])
	assert.True(t, p.Board[1].Empty())

	assert.Len(t, p.ShopOffer, 4)
	for _, k := range p.ShopOffer {
		_, ok := defs.Lookup(k)
		assert.True(t, ok, "offered unknown kind %q", k)
	}
}

func TestTransition_IsRepeatable(t *testing.T) {
	defs := engine.DefaultCatalog()
	mk := func() *store.PlayerMatchState {
		return &store.PlayerMatchState{Round: 3, Deck: []string{"a", "b", "c", "d", "e", "f", "g"}}
	}
	p1, p2 := mk(), mk()
	DefaultRules.Transition(p1, defs, time.Time{}, RNG("m", "u", 3))
	DefaultRules.Transition(p2, defs, time.Time{}, RNG("m", "u", 3))

	assert.Equal(t, p1.Hand, p2.Hand)
	assert.Equal(t, p1.ShopOffer, p2.ShopOffer)
}

func TestOffer_RespectsWeights(t *testing.T) {
	defs := engine.NewCatalog([]engine.CardDefinition{
		{Kind: "common", Weight: 1},
		{Kind: "never", Weight: 0},
	})
	got := Offer(defs, 50, RNG("m", "u", 1))
	require.Len(t, got, 50)
	for _, k := range got {
		assert.Equal(t, "common", k)
	}

	assert.Nil(t, Offer(engine.Catalog{}, 3, RNG("m", "u", 1)))
}
