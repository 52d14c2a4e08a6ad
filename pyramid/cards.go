package pyramid

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
)

type Suit string

const (
	Hearts   Suit = "hearts"
	Diamonds Suit = "diamonds"
	Clubs    Suit = "clubs"
	Spades   Suit = "spades"
)

var suits = []Suit{Hearts, Diamonds, Clubs, Spades}

var values = []string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K", "A"}

var faceRanks = map[string]int{"J": 11, "Q": 12, "K": 13, "A": 14}

// Card is a single playing card. Value is kept in its display form
// ("2".."10", "J", "Q", "K", "A") because that is what travels in
// snapshots and what accusations compare against.
type Card struct {
	Suit  Suit   `json:"suit"`
	Value string `json:"value"`
}

// Rank returns the numeric rank used by the higher/lower and
// inside/outside predictions: J=11, Q=12, K=13, A=14, digits literal.
func (c Card) Rank() int {
	if r, ok := faceRanks[c.Value]; ok {
		return r
	}
	r, _ := strconv.Atoi(c.Value)
	return r
}

func (c Card) Red() bool {
	return c.Suit == Hearts || c.Suit == Diamonds
}

// HandCard is a dealt card plus its reveal flag. Revealed only ever
// flips false to true.
type HandCard struct {
	Card
	Revealed bool `json:"revealed"`
}

// NewDeck returns the 52 canonical cards in suit-then-value order.
func NewDeck() []Card {
	deck := make([]Card, 0, len(suits)*len(values))
	for _, suit := range suits {
		for _, value := range values {
			deck = append(deck, Card{Suit: suit, Value: value})
		}
	}
	return deck
}

// Shuffle performs an in-place Fisher-Yates shuffle backed by crypto/rand.
func Shuffle(deck []Card) {
	for i := len(deck) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		deck[i], deck[j] = deck[j], deck[i]
	}
}

func randIntn(n int) int {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return int(binary.BigEndian.Uint32(buf[:]) % uint32(n))
}

func validSuit(s string) bool {
	for _, suit := range suits {
		if string(suit) == s {
			return true
		}
	}
	return false
}
