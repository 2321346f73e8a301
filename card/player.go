package card

import (
	"fmt"
	"math/rand/v2"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slices"
)

// Player functions take a player value and return the changed copy. The argument is never modified.
type Player struct {
	Name     string         `json:"name"`
	PlayerId string         `json:"playerId"`
	AllCards []CardInstance `json:"allCards"`
	Deck     []CardInstance `json:"deck"`
	Hand     []CardInstance `json:"hand"`
	Played   []CardInstance `json:"played"`
	Discard  []CardInstance `json:"discard"`
}

func NewPlayer(name string) Player {
	return Player{
		Name:     name,
		PlayerId: ulid.Make().String(),
		AllCards: []CardInstance{},
		Deck:     []CardInstance{},
		Hand:     []CardInstance{},
		Played:   []CardInstance{},
		Discard:  []CardInstance{},
	}
}

func (self Player) clone() Player {
	self.AllCards = cloneCards(self.AllCards)
	self.Deck = cloneCards(self.Deck)
	self.Hand = cloneCards(self.Hand)
	self.Played = cloneCards(self.Played)
	self.Discard = cloneCards(self.Discard)
	return self
}

// never nil, so the json form is always an array
func cloneCards(cards []CardInstance) []CardInstance {
	if cards == nil {
		return []CardInstance{}
	}
	return slices.Clone(cards)
}

func (self *Player) zone(zone Zone) (*[]CardInstance, error) {
	switch zone {
	case ZoneDeck:
		return &self.Deck, nil
	case ZoneHand:
		return &self.Hand, nil
	case ZonePlayed:
		return &self.Played, nil
	case ZoneDiscard:
		return &self.Discard, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a player zone", ErrInvalidCardState, zone)
	}
}

func (self Player) Cards(zone Zone) []CardInstance {
	cards, err := self.zone(zone)
	if err != nil {
		return nil
	}
	return *cards
}

func (self Player) HasCard(zone Zone, instanceId string) bool {
	return 0 <= indexOf(self.Cards(zone), instanceId)
}

func indexOf(cards []CardInstance, instanceId string) int {
	return slices.IndexFunc(cards, func(c CardInstance) bool {
		return c.InstanceId == instanceId
	})
}

// Adds `card` to the player's cards, owned by the player, in `initialZone`.
func RegisterCard(player Player, card CardInstance, initialZone Zone) (Player, error) {
	next := player.clone()
	ownedCard := card.WithOwner(player.PlayerId)
	ownedCard.Zone = initialZone
	if !ownedCard.IsValidState() {
		return player, fmt.Errorf("%w: cannot register into %s", ErrInvalidCardState, initialZone)
	}
	zoneCards, err := next.zone(initialZone)
	if err != nil {
		return player, err
	}
	next.AllCards = append(next.AllCards, ownedCard)
	*zoneCards = append(*zoneCards, ownedCard)
	return next, nil
}

// The card is removed from `fromZone` (if there) and appended to `toZone`.
func MoveCardBetweenZones(player Player, card CardInstance, fromZone Zone, toZone Zone) (Player, error) {
	movedCard, err := card.MoveToZone(toZone)
	if err != nil {
		return player, err
	}

	next := player.clone()
	fromCards, err := next.zone(fromZone)
	if err != nil {
		return player, err
	}
	toCards, err := next.zone(toZone)
	if err != nil {
		return player, err
	}

	for i, c := range next.AllCards {
		if c.InstanceId == card.InstanceId {
			next.AllCards[i] = movedCard
		}
	}
	*fromCards = slices.DeleteFunc(*fromCards, func(c CardInstance) bool {
		return c.InstanceId == card.InstanceId
	})
	*toCards = append(*toCards, movedCard)
	return next, nil
}

func ShuffleDeck(player Player) Player {
	next := player.clone()
	rand.Shuffle(len(next.Deck), func(i int, j int) {
		next.Deck[i], next.Deck[j] = next.Deck[j], next.Deck[i]
	})
	return next
}

// Draws the top (last) card of the deck into the hand. An empty deck is refilled
// from the shuffled discard first. Returns `false` when there is nothing to draw.
func DrawCard(player Player) (Player, CardInstance, bool) {
	next := player
	if len(next.Deck) == 0 && 0 < len(next.Discard) {
		for 0 < len(next.Discard) {
			top := next.Discard[len(next.Discard)-1]
			var err error
			next, err = MoveCardBetweenZones(next, top, ZoneDiscard, ZoneDeck)
			if err != nil {
				// owned cards can always move between player zones
				panic(err)
			}
		}
		next = ShuffleDeck(next)
	}

	if len(next.Deck) == 0 {
		return next, CardInstance{}, false
	}
	top := next.Deck[len(next.Deck)-1]
	next, err := MoveCardBetweenZones(next, top, ZoneDeck, ZoneHand)
	if err != nil {
		panic(err)
	}
	return next, next.Hand[len(next.Hand)-1], true
}

// Discards everything in play and in hand, then draws up to `handSize` cards.
func DrawHand(player Player, handSize int) (Player, []CardInstance) {
	next := DiscardAllInPlay(player)
	next = DiscardAllInHand(next)

	drawnCards := []CardInstance{}
	for range handSize {
		var drawnCard CardInstance
		var ok bool
		next, drawnCard, ok = DrawCard(next)
		if !ok {
			break
		}
		drawnCards = append(drawnCards, drawnCard)
	}
	return next, drawnCards
}

// moves a card in hand to played. `false` when the card is not in hand.
func PlayCard(player Player, card CardInstance) (Player, bool) {
	if !player.HasCard(ZoneHand, card.InstanceId) {
		return player, false
	}
	next, err := MoveCardBetweenZones(player, card, ZoneHand, ZonePlayed)
	if err != nil {
		return player, false
	}
	return next, true
}

// moves a card from hand or played to discard
func DiscardCard(player Player, card CardInstance, fromZone Zone) (Player, bool) {
	if fromZone != ZoneHand && fromZone != ZonePlayed {
		return player, false
	}
	if !player.HasCard(fromZone, card.InstanceId) {
		return player, false
	}
	next, err := MoveCardBetweenZones(player, card, fromZone, ZoneDiscard)
	if err != nil {
		return player, false
	}
	return next, true
}

func DiscardAllInPlay(player Player) Player {
	return discardAll(player, ZonePlayed)
}

func DiscardAllInHand(player Player) Player {
	return discardAll(player, ZoneHand)
}

func discardAll(player Player, fromZone Zone) Player {
	next := player
	for _, c := range slices.Clone(player.Cards(fromZone)) {
		var err error
		next, err = MoveCardBetweenZones(next, c, fromZone, ZoneDiscard)
		if err != nil {
			panic(err)
		}
	}
	return next
}

// Removes the card from the game: out of `fromZone` and out of the player's cards.
func TrashCard(player Player, card CardInstance, fromZone Zone) (Player, bool) {
	if !player.HasCard(fromZone, card.InstanceId) {
		return player, false
	}
	next := player.clone()
	fromCards, err := next.zone(fromZone)
	if err != nil {
		return player, false
	}
	removeInstance := func(c CardInstance) bool {
		return c.InstanceId == card.InstanceId
	}
	*fromCards = slices.DeleteFunc(*fromCards, removeInstance)
	next.AllCards = slices.DeleteFunc(next.AllCards, removeInstance)
	return next, true
}

// Registers `count` new instances per definition uid into the deck.
// Fails without change if a uid has no definition.
func SetupPlayerDeck(player Player, deckComposition map[string]int, cardDefinitions []CardDefinition) (Player, error) {
	definitions := map[string]CardDefinition{}
	for _, definition := range cardDefinitions {
		definitions[definition.Uid] = definition
	}

	// deterministic instance order
	uids := make([]string, 0, len(deckComposition))
	for uid := range deckComposition {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	next := player
	for _, uid := range uids {
		definition, ok := definitions[uid]
		if !ok {
			return player, fmt.Errorf("no card definition %s", uid)
		}
		for range deckComposition[uid] {
			var err error
			next, err = RegisterCard(next, NewCardInstance(definition), ZoneDeck)
			if err != nil {
				return player, err
			}
		}
	}
	return next, nil
}
