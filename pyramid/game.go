// Package pyramid implements the rules of the Pyramid drinking game as
// pure decision logic: deck and pyramid construction, the
// distribution-phase prediction steps, pyramid reveals, per-player sip
// queues, and the liar accusation protocol. Every operation validates
// an actor against the current snapshot and either mutates it or
// rejects with a sentinel error; nothing here performs I/O.
package pyramid

import (
	"fmt"
	"sort"
	"strings"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusStarted Status = "started"
)

type Phase string

const (
	PhaseDistribution Phase = "distribution"
	PhasePyramid      Phase = "pyramid"
)

const (
	// HandSize is the number of cards dealt to each player.
	HandSize = 4

	// MaxPyramidRows caps the pyramid height regardless of player count.
	MaxPyramidRows = 5

	// CulSecSips is the fixed penalty of the top pyramid row, and the
	// fixed penalty of a lost cul-sec accusation.
	CulSecSips = 10
)

// SipEvent is one pending, disputable drink obligation, keyed in a
// player's queue by an opaque unique id.
type SipEvent struct {
	FromID    string `json:"fromId"`
	Amount    int    `json:"amount"`
	IsCulSec  bool   `json:"isCulSec"`
	CardValue string `json:"cardValue"`
	Timestamp int64  `json:"timestamp"`
}

type Player struct {
	Name        string     `json:"name"`
	Avatar      string     `json:"avatar,omitempty"`
	Ready       bool       `json:"ready"`
	Online      bool       `json:"online"`
	Cards       []HandCard `json:"cards,omitempty"`
	SipsToDrink int        `json:"sipsToDrink"`

	// PendingGive is set by a correct prediction and cleared by the
	// give that settles it; the turn holds in between.
	PendingGive bool `json:"pendingGive,omitempty"`

	SipsQueue   map[string]SipEvent `json:"sipsQueue,omitempty"`
	ActedOnCard string              `json:"actedOnCard,omitempty"`

	IsAccused         bool   `json:"isAccused,omitempty"`
	AccusedOfCard     string `json:"accusedOfCard,omitempty"`
	AccusedSips       int    `json:"accusedSips,omitempty"`
	AccusedBy         string `json:"accusedBy,omitempty"`
	IsAccusedOfCulSec bool   `json:"isAccusedOfCulSec,omitempty"`
}

// PyramidCell is one pyramid slot. Unrevealed cells carry no card
// identity; the card is assigned from the deck head at reveal time.
type PyramidCell struct {
	Revealed bool   `json:"revealed"`
	Value    string `json:"value,omitempty"`
	Suit     Suit   `json:"suit,omitempty"`
}

// RevealedCard describes the most recently revealed pyramid cell along
// with its sip stake.
type RevealedCard struct {
	ID       string
	Card     Card
	Sips     int
	IsCulSec bool
}

// Game is the complete shared snapshot of one session. All timestamps
// are unix milliseconds.
type Game struct {
	GameCode           string             `json:"gameCode"`
	HostID             string             `json:"hostId"`
	Status             Status             `json:"status"`
	Phase              Phase              `json:"phase,omitempty"`
	Deck               []Card             `json:"deck,omitempty"`
	Pyramid            [][]PyramidCell    `json:"pyramid,omitempty"`
	Players            map[string]*Player `json:"players"`
	JoinOrder          []string           `json:"joinOrder"`
	CurrentTurn        string             `json:"currentTurn,omitempty"`
	LastRevealedCardID string             `json:"lastRevealedCardId,omitempty"`
	TurnStartedAt      int64              `json:"turnStartedAt,omitempty"`
	CreatedAt          int64              `json:"createdAt"`
}

// NewGame returns an empty waiting lobby. The first Join becomes host.
func NewGame(code string, now int64) *Game {
	return &Game{
		GameCode:  code,
		Status:    StatusWaiting,
		Players:   make(map[string]*Player),
		CreatedAt: now,
	}
}

func (g *Game) player(id string) (*Player, error) {
	p, ok := g.Players[id]
	if !ok {
		return nil, ErrUnknownPlayer
	}
	return p, nil
}

func (g *Game) sortedPlayerIDs() []string {
	ids := make([]string, 0, len(g.Players))
	for id := range g.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Player) revealedCount() int {
	n := 0
	for _, c := range p.Cards {
		if c.Revealed {
			n++
		}
	}
	return n
}

func (p *Player) handRevealed() bool {
	return len(p.Cards) > 0 && p.revealedCount() == len(p.Cards)
}

// headSipEvent returns the oldest queued event, ordered by enqueue
// timestamp with the key as tiebreak. Only the head is actionable.
func (p *Player) headSipEvent() (string, SipEvent, bool) {
	var headKey string
	var head SipEvent
	found := false
	for key, ev := range p.SipsQueue {
		if !found || ev.Timestamp < head.Timestamp || (ev.Timestamp == head.Timestamp && key < headKey) {
			headKey, head, found = key, ev, true
		}
	}
	return headKey, head, found
}

// LastRevealed resolves the lastRevealedCardId marker into the cell's
// card and sip stake. Row 0 is the cul-sec row; every other row is
// worth totalRows minus its index.
func (g *Game) LastRevealed() (RevealedCard, bool) {
	if g.LastRevealedCardID == "" {
		return RevealedCard{}, false
	}
	row, col, ok := parseCellID(g.LastRevealedCardID)
	if !ok {
		return RevealedCard{}, false
	}
	if row < 0 || row >= len(g.Pyramid) || col < 0 || col >= len(g.Pyramid[row]) {
		return RevealedCard{}, false
	}
	cell := g.Pyramid[row][col]
	if !cell.Revealed {
		return RevealedCard{}, false
	}
	rc := RevealedCard{
		ID:       g.LastRevealedCardID,
		Card:     Card{Suit: cell.Suit, Value: cell.Value},
		IsCulSec: row == 0,
	}
	if rc.IsCulSec {
		rc.Sips = CulSecSips
	} else {
		rc.Sips = len(g.Pyramid) - row
	}
	return rc, true
}

// Clone returns a deep copy, so broadcast snapshots can never alias
// the stored state.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	out := *g
	out.Deck = append([]Card(nil), g.Deck...)
	out.JoinOrder = append([]string(nil), g.JoinOrder...)
	out.Pyramid = make([][]PyramidCell, len(g.Pyramid))
	for i, row := range g.Pyramid {
		out.Pyramid[i] = append([]PyramidCell(nil), row...)
	}
	out.Players = make(map[string]*Player, len(g.Players))
	for id, p := range g.Players {
		cp := *p
		cp.Cards = append([]HandCard(nil), p.Cards...)
		if p.SipsQueue != nil {
			cp.SipsQueue = make(map[string]SipEvent, len(p.SipsQueue))
			for k, ev := range p.SipsQueue {
				cp.SipsQueue[k] = ev
			}
		}
		out.Players[id] = &cp
	}
	return &out
}

func cellID(row, col int) string {
	return fmt.Sprintf("%d-%d", row, col)
}

func parseCellID(id string) (row, col int, ok bool) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(id, "%d-%d", &row, &col); err != nil {
		return 0, 0, false
	}
	return row, col, true
}
