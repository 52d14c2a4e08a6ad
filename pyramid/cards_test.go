package pyramid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeck(t *testing.T) {
	deck := NewDeck()
	require.Len(t, deck, 52)

	seen := make(map[Card]bool, 52)
	for _, c := range deck {
		assert.False(t, seen[c], "duplicate card %v", c)
		seen[c] = true
	}
}

func TestShuffleIsAPermutation(t *testing.T) {
	deck := NewDeck()
	Shuffle(deck)

	require.Len(t, deck, 52)

	seen := make(map[Card]bool, 52)
	for _, c := range deck {
		seen[c] = true
	}
	for _, c := range NewDeck() {
		assert.True(t, seen[c], "card %v lost in shuffle", c)
	}
}

func TestRank(t *testing.T) {
	assert.Equal(t, 2, Card{Suit: Hearts, Value: "2"}.Rank())
	assert.Equal(t, 10, Card{Suit: Clubs, Value: "10"}.Rank())
	assert.Equal(t, 11, Card{Suit: Spades, Value: "J"}.Rank())
	assert.Equal(t, 12, Card{Suit: Hearts, Value: "Q"}.Rank())
	assert.Equal(t, 13, Card{Suit: Diamonds, Value: "K"}.Rank())
	assert.Equal(t, 14, Card{Suit: Clubs, Value: "A"}.Rank())
}

func TestRed(t *testing.T) {
	assert.True(t, Card{Suit: Hearts, Value: "5"}.Red())
	assert.True(t, Card{Suit: Diamonds, Value: "5"}.Red())
	assert.False(t, Card{Suit: Clubs, Value: "5"}.Red())
	assert.False(t, Card{Suit: Spades, Value: "5"}.Red())
}
