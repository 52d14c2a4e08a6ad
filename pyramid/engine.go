package pyramid

import (
	"errors"
	"time"
)

// Rejection classes. None of these leave the snapshot mutated.
var (
	ErrAlreadyActed     = errors.New("already acted on this card")
	ErrAlreadyRevealed  = errors.New("cell already revealed")
	ErrAlreadyStarted   = errors.New("game already started")
	ErrDeckEmpty        = errors.New("deck is empty")
	ErrGivePending      = errors.New("a sip give is still owed")
	ErrHandRevealed     = errors.New("all cards already revealed")
	ErrInvalidCard      = errors.New("invalid card index")
	ErrInvalidCell      = errors.New("invalid pyramid cell")
	ErrInvalidChoice    = errors.New("invalid prediction choice")
	ErrInvalidTarget    = errors.New("invalid target player")
	ErrNoPrediction     = errors.New("no prediction to give sips for")
	ErrNoRevealedCard   = errors.New("no pyramid card revealed yet")
	ErrNotAccused       = errors.New("player is not accused")
	ErrNotEnoughPlayers = errors.New("at least two players are required")
	ErrNotHeadEvent     = errors.New("only the oldest sip event is actionable")
	ErrNotHost          = errors.New("only the host may do this")
	ErrNotStarted       = errors.New("game has not started")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrPlayerActive     = errors.New("player is still active")
	ErrPlayersNotReady  = errors.New("not all players are ready")
	ErrRoundNotResolved = errors.New("wait for the round or the timer")
	ErrUnknownEvent     = errors.New("unknown sip event")
	ErrUnknownPlayer    = errors.New("unknown player")
	ErrWrongPhase       = errors.New("action not allowed in this phase")
)

// PredictionResult reports how a distribution-phase prediction went.
// On a correct prediction the actor keeps the turn until GiveSips.
type PredictionResult struct {
	Correct bool
	Step    int
	Card    Card
}

// Join adds a player to a waiting lobby. The first player to join
// becomes the host. Rejoining is always allowed and only refreshes
// presence.
func (g *Game) Join(id, name, avatar string) error {
	if p, ok := g.Players[id]; ok {
		p.Online = true
		if g.Status == StatusWaiting && name != "" {
			p.Name = name
			p.Avatar = avatar
		}
		return nil
	}
	if g.Status != StatusWaiting {
		return ErrAlreadyStarted
	}
	g.Players[id] = &Player{
		Name:      name,
		Avatar:    avatar,
		Online:    true,
		SipsQueue: make(map[string]SipEvent),
	}
	g.JoinOrder = append(g.JoinOrder, id)
	if g.HostID == "" {
		g.HostID = id
	}
	return nil
}

// SetOnline is the disconnect hook's write.
func (g *Game) SetOnline(id string, online bool) error {
	p, err := g.player(id)
	if err != nil {
		return err
	}
	p.Online = online
	return nil
}

func (g *Game) ToggleReady(id string) error {
	p, err := g.player(id)
	if err != nil {
		return err
	}
	p.Ready = !p.Ready
	return nil
}

// Leave removes a player entirely. If it was their turn, the turn
// moves on so the game cannot stall.
func (g *Game) Leave(id string) error {
	if _, err := g.player(id); err != nil {
		return err
	}
	delete(g.Players, id)
	for i, jid := range g.JoinOrder {
		if jid == id {
			g.JoinOrder = append(g.JoinOrder[:i], g.JoinOrder[i+1:]...)
			break
		}
	}
	if g.Status == StatusStarted && len(g.Players) > 0 {
		if g.CurrentTurn == id {
			g.advanceTurn()
		}
		g.maybeAdvancePhase()
	}
	return nil
}

// ReapOffline removes a player who is still offline from a waiting
// lobby. Started games keep their players, and the host is never
// reaped.
func (g *Game) ReapOffline(id string) error {
	p, err := g.player(id)
	if err != nil {
		return err
	}
	if g.Status != StatusWaiting || p.Online || id == g.HostID {
		return ErrPlayerActive
	}
	return g.Leave(id)
}

// Start deals the game: 52-card shuffled deck, four unrevealed cards
// per player in join order, and a pyramid of min(5, 2+playerCount)
// rows with row i holding i+1 cells. The host goes first.
func (g *Game) Start(actor string, now int64) error {
	if g.Status != StatusWaiting {
		return ErrAlreadyStarted
	}
	if actor != g.HostID {
		return ErrNotHost
	}
	if len(g.Players) < 2 {
		return ErrNotEnoughPlayers
	}
	for id, p := range g.Players {
		if id != g.HostID && !p.Ready {
			return ErrPlayersNotReady
		}
	}

	deck := NewDeck()
	Shuffle(deck)

	for _, id := range g.JoinOrder {
		hand := make([]HandCard, 0, HandSize)
		for _, c := range deck[:HandSize] {
			hand = append(hand, HandCard{Card: c})
		}
		deck = deck[HandSize:]
		g.Players[id].Cards = hand
	}

	rows := 2 + len(g.Players)
	if rows > MaxPyramidRows {
		rows = MaxPyramidRows
	}
	g.Pyramid = make([][]PyramidCell, rows)
	for i := range g.Pyramid {
		g.Pyramid[i] = make([]PyramidCell, i+1)
	}

	g.Deck = deck
	g.Status = StatusStarted
	g.Phase = PhaseDistribution
	g.CurrentTurn = g.JoinOrder[0]
	g.TurnStartedAt = now
	return nil
}

// Predict reveals the actor's next unrevealed card and scores the
// prediction for the step the reveal count puts them on. A wrong
// prediction costs the actor step sips and passes the turn; a correct
// one marks a give as owed and holds the turn until GiveSips settles
// it. Predicting again with a give still owed is rejected.
func (g *Game) Predict(actor, choice string) (PredictionResult, error) {
	if g.Status != StatusStarted {
		return PredictionResult{}, ErrNotStarted
	}
	if g.Phase != PhaseDistribution {
		return PredictionResult{}, ErrWrongPhase
	}
	p, err := g.player(actor)
	if err != nil {
		return PredictionResult{}, err
	}
	if g.CurrentTurn != actor {
		return PredictionResult{}, ErrNotYourTurn
	}
	if p.PendingGive {
		return PredictionResult{}, ErrGivePending
	}

	idx := -1
	for i, c := range p.Cards {
		if !c.Revealed {
			idx = i
			break
		}
	}
	if idx < 0 {
		return PredictionResult{}, ErrHandRevealed
	}

	correct, err := scorePrediction(choice, p.Cards, idx)
	if err != nil {
		return PredictionResult{}, err
	}

	p.Cards[idx].Revealed = true
	step := idx + 1
	res := PredictionResult{Correct: correct, Step: step, Card: p.Cards[idx].Card}

	if correct {
		p.PendingGive = true
	} else {
		p.SipsToDrink += step
		g.advanceTurn()
		g.maybeAdvancePhase()
	}
	return res, nil
}

// scorePrediction evaluates a choice against the card at idx. Exact
// rank ties on step 2 and bound-equal ranks on step 3 are incorrect
// for every choice.
func scorePrediction(choice string, cards []HandCard, idx int) (bool, error) {
	card := cards[idx].Card
	switch idx {
	case 0:
		switch choice {
		case "red":
			return card.Red(), nil
		case "black":
			return !card.Red(), nil
		}
	case 1:
		first := cards[0].Rank()
		switch choice {
		case "higher":
			return card.Rank() > first, nil
		case "lower":
			return card.Rank() < first, nil
		}
	case 2:
		lo, hi := cards[0].Rank(), cards[1].Rank()
		if lo > hi {
			lo, hi = hi, lo
		}
		switch choice {
		case "inside":
			return card.Rank() > lo && card.Rank() < hi, nil
		case "outside":
			return card.Rank() < lo || card.Rank() > hi, nil
		}
	case 3:
		if validSuit(choice) {
			return string(card.Suit) == choice, nil
		}
	}
	return false, ErrInvalidChoice
}

// GiveSips settles the give owed by a correct prediction: the actor
// queues as many sips as cards they have revealed onto the target,
// then the turn passes. Without an owed give there is nothing to
// settle. key is the opaque push key for the new queue entry.
func (g *Game) GiveSips(actor, target, key string, now int64) error {
	if g.Status != StatusStarted {
		return ErrNotStarted
	}
	if g.Phase != PhaseDistribution {
		return ErrWrongPhase
	}
	p, err := g.player(actor)
	if err != nil {
		return err
	}
	if g.CurrentTurn != actor {
		return ErrNotYourTurn
	}
	if !p.PendingGive {
		return ErrNoPrediction
	}
	step := p.revealedCount()
	t, ok := g.Players[target]
	if !ok || target == actor {
		return ErrInvalidTarget
	}

	if t.SipsQueue == nil {
		t.SipsQueue = make(map[string]SipEvent)
	}
	t.SipsQueue[key] = SipEvent{
		FromID:    actor,
		Amount:    step,
		CardValue: p.Cards[step-1].Value,
		Timestamp: now,
	}
	p.PendingGive = false
	g.advanceTurn()
	g.maybeAdvancePhase()
	return nil
}

// advanceTurn scans round-robin over player ids sorted by id, skipping
// fully revealed hands. The scan is bounded by the player count, so a
// table where everyone is done terminates on the next id regardless.
func (g *Game) advanceTurn() {
	ids := g.sortedPlayerIDs()
	if len(ids) == 0 {
		g.CurrentTurn = ""
		return
	}
	cur := -1
	for i, id := range ids {
		if id == g.CurrentTurn {
			cur = i
			break
		}
	}
	next := ids[(cur+1+len(ids))%len(ids)]
	for i := 1; i <= len(ids); i++ {
		candidate := ids[(cur+i+len(ids))%len(ids)]
		if !g.Players[candidate].handRevealed() {
			next = candidate
			break
		}
	}
	g.CurrentTurn = next
}

func (g *Game) maybeAdvancePhase() {
	if g.Phase != PhaseDistribution || len(g.Players) == 0 {
		return
	}
	for _, p := range g.Players {
		if !p.handRevealed() {
			return
		}
	}
	g.Phase = PhasePyramid
}

// RevealPyramid lets the host turn over the chosen cell using the deck
// head. It is legal on the first reveal of the phase, once every
// player has acted on the previous card with an empty sip queue, or
// once the advisory timer has elapsed. The timeout only unblocks the
// reveal; pending sip events stay queued.
func (g *Game) RevealPyramid(actor string, row, col int, now int64, timeout time.Duration) error {
	if g.Status != StatusStarted {
		return ErrNotStarted
	}
	if g.Phase != PhasePyramid {
		return ErrWrongPhase
	}
	if actor != g.HostID {
		return ErrNotHost
	}
	if row < 0 || row >= len(g.Pyramid) || col < 0 || col >= len(g.Pyramid[row]) {
		return ErrInvalidCell
	}
	if g.Pyramid[row][col].Revealed {
		return ErrAlreadyRevealed
	}

	if g.LastRevealedCardID != "" {
		resolved := true
		for _, p := range g.Players {
			if len(p.SipsQueue) > 0 || p.ActedOnCard != g.LastRevealedCardID {
				resolved = false
				break
			}
		}
		expired := g.TurnStartedAt > 0 && now-g.TurnStartedAt > timeout.Milliseconds()
		if !resolved && !expired {
			return ErrRoundNotResolved
		}
	}

	if len(g.Deck) == 0 {
		return ErrDeckEmpty
	}

	card := g.Deck[0]
	g.Deck = g.Deck[1:]
	g.Pyramid[row][col] = PyramidCell{Revealed: true, Value: card.Value, Suit: card.Suit}
	g.LastRevealedCardID = cellID(row, col)
	for _, p := range g.Players {
		p.ActedOnCard = ""
	}
	g.TurnStartedAt = now
	return nil
}

// GivePyramidSips queues the current card's sip stake onto a target
// and marks the actor as having acted on it.
func (g *Game) GivePyramidSips(actor, target, key string, now int64) error {
	last, p, err := g.pyramidAction(actor)
	if err != nil {
		return err
	}
	t, ok := g.Players[target]
	if !ok || target == actor {
		return ErrInvalidTarget
	}

	if t.SipsQueue == nil {
		t.SipsQueue = make(map[string]SipEvent)
	}
	t.SipsQueue[key] = SipEvent{
		FromID:    actor,
		Amount:    last.Sips,
		IsCulSec:  last.IsCulSec,
		CardValue: last.Card.Value,
		Timestamp: now,
	}
	p.ActedOnCard = last.ID
	return nil
}

// Pass marks the actor as having acted on the current card without
// giving anything.
func (g *Game) Pass(actor string) error {
	last, p, err := g.pyramidAction(actor)
	if err != nil {
		return err
	}
	p.ActedOnCard = last.ID
	return nil
}

func (g *Game) pyramidAction(actor string) (RevealedCard, *Player, error) {
	if g.Status != StatusStarted {
		return RevealedCard{}, nil, ErrNotStarted
	}
	if g.Phase != PhasePyramid {
		return RevealedCard{}, nil, ErrWrongPhase
	}
	p, err := g.player(actor)
	if err != nil {
		return RevealedCard{}, nil, err
	}
	last, ok := g.LastRevealed()
	if !ok {
		return RevealedCard{}, nil, ErrNoRevealedCard
	}
	if p.ActedOnCard == last.ID {
		return RevealedCard{}, nil, ErrAlreadyActed
	}
	return last, p, nil
}

// Drink accepts the head sip event silently: the event is removed and
// nothing else changes. The obligation is honor system; sipsToDrink is
// deliberately not incremented here.
func (g *Game) Drink(actor, eventKey string) error {
	p, _, err := g.headEvent(actor, eventKey)
	if err != nil {
		return err
	}
	delete(p.SipsQueue, eventKey)
	return nil
}

// Accuse removes the head sip event and puts its sender on trial: the
// sender must show a hand card matching the claimed value or drink
// double. A sender who already left the game just forfeits the event.
func (g *Game) Accuse(actor, eventKey string) error {
	p, ev, err := g.headEvent(actor, eventKey)
	if err != nil {
		return err
	}
	delete(p.SipsQueue, eventKey)

	sender, ok := g.Players[ev.FromID]
	if !ok {
		return nil
	}
	sender.IsAccused = true
	sender.AccusedBy = actor
	sender.AccusedOfCard = ev.CardValue
	sender.AccusedSips = ev.Amount
	sender.IsAccusedOfCulSec = ev.IsCulSec
	return nil
}

func (g *Game) headEvent(actor, eventKey string) (*Player, SipEvent, error) {
	p, err := g.player(actor)
	if err != nil {
		return nil, SipEvent{}, err
	}
	ev, ok := p.SipsQueue[eventKey]
	if !ok {
		return nil, SipEvent{}, ErrUnknownEvent
	}
	headKey, _, _ := p.headSipEvent()
	if headKey != eventKey {
		return nil, SipEvent{}, ErrNotHeadEvent
	}
	return p, ev, nil
}

// ShowProof resolves an accusation against the actor by exhibiting one
// of their hand cards. A matching value penalizes the accuser, a
// mismatch penalizes the actor; either way every accusation field is
// cleared. Regular disputes cost double the disputed amount, cul-sec
// disputes the fixed cul-sec penalty.
func (g *Game) ShowProof(actor string, cardIndex int) error {
	p, err := g.player(actor)
	if err != nil {
		return err
	}
	if !p.IsAccused {
		return ErrNotAccused
	}
	if cardIndex < 0 || cardIndex >= len(p.Cards) {
		return ErrInvalidCard
	}

	penalty := 2 * p.AccusedSips
	if p.IsAccusedOfCulSec {
		penalty = CulSecSips
	}

	if p.Cards[cardIndex].Value == p.AccusedOfCard {
		if accuser, ok := g.Players[p.AccusedBy]; ok {
			accuser.SipsToDrink += penalty
		}
	} else {
		p.SipsToDrink += penalty
	}

	p.IsAccused = false
	p.AccusedBy = ""
	p.AccusedOfCard = ""
	p.AccusedSips = 0
	p.IsAccusedOfCulSec = false
	return nil
}
