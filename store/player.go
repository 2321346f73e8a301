package store

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/webdeckbuilding/roomsync/card"
)

var ErrNoPlayer = errors.New("no such player")

// an action that did not apply, e.g. playing a card that is not in hand
var errNotApplied = errors.New("not applied")

type PlayerState struct {
	// player id -> player
	Players map[string]card.Player `json:"players"`
}

type PlayerUpdate struct {
	Name     *string
	AllCards []card.CardInstance
	Deck     []card.CardInstance
	Hand     []card.CardInstance
	Played   []card.CardInstance
	Discard  []card.CardInstance
}

type PlayerStore struct {
	*Store[PlayerState]
}

func NewPlayerStoreWithDefaults() *PlayerStore {
	return NewPlayerStore(DefaultStoreSettings("playerStore"))
}

func NewPlayerStore(settings *StoreSettings) *PlayerStore {
	return &PlayerStore{
		Store: NewStore(PlayerState{
			Players: map[string]card.Player{},
		}, settings),
	}
}

// runs `update` on one player. A missing player is an `ErrNoPlayer` error.
func (self *PlayerStore) updatePlayer(action string, playerId string, update func(player card.Player) (card.Player, error)) error {
	return self.Update(action, func(state *PlayerState) error {
		player, ok := state.Players[playerId]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoPlayer, playerId)
		}
		next, err := update(player)
		if err != nil {
			return err
		}
		state.Players[playerId] = next
		return nil
	})
}

func (self *PlayerStore) AddPlayer(player card.Player) {
	self.Update("addPlayer", func(state *PlayerState) error {
		if state.Players == nil {
			state.Players = map[string]card.Player{}
		}
		state.Players[player.PlayerId] = player
		return nil
	})
}

// Applies the set fields of `update`. A missing player is ignored.
func (self *PlayerStore) UpdatePlayer(playerId string, update PlayerUpdate) {
	self.updatePlayer("updatePlayer", playerId, func(player card.Player) (card.Player, error) {
		if update.Name != nil {
			player.Name = *update.Name
		}
		if update.AllCards != nil {
			player.AllCards = update.AllCards
		}
		if update.Deck != nil {
			player.Deck = update.Deck
		}
		if update.Hand != nil {
			player.Hand = update.Hand
		}
		if update.Played != nil {
			player.Played = update.Played
		}
		if update.Discard != nil {
			player.Discard = update.Discard
		}
		return player, nil
	})
}

func (self *PlayerStore) RemovePlayer(playerId string) {
	self.Update("removePlayer", func(state *PlayerState) error {
		delete(state.Players, playerId)
		return nil
	})
}

func (self *PlayerStore) Reset() {
	self.Update("reset", func(state *PlayerState) error {
		state.Players = map[string]card.Player{}
		return nil
	})
}

func (self *PlayerStore) Player(playerId string) (card.Player, bool) {
	player, ok := self.State().Players[playerId]
	return player, ok
}

// ordered by player id
func (self *PlayerStore) AllPlayers() []card.Player {
	players := self.State().Players
	playerIds := make([]string, 0, len(players))
	for playerId := range players {
		playerIds = append(playerIds, playerId)
	}
	slices.Sort(playerIds)
	allPlayers := make([]card.Player, 0, len(playerIds))
	for _, playerId := range playerIds {
		allPlayers = append(allPlayers, players[playerId])
	}
	return allPlayers
}

func (self *PlayerStore) RegisterCard(playerId string, c card.CardInstance, initialZone card.Zone) error {
	return self.updatePlayer("registerCard", playerId, func(player card.Player) (card.Player, error) {
		return card.RegisterCard(player, c, initialZone)
	})
}

func (self *PlayerStore) MoveCardBetweenZones(playerId string, c card.CardInstance, fromZone card.Zone, toZone card.Zone) error {
	return self.updatePlayer("moveCardBetweenZones", playerId, func(player card.Player) (card.Player, error) {
		return card.MoveCardBetweenZones(player, c, fromZone, toZone)
	})
}

// `false` when the player is missing or has no card to draw
func (self *PlayerStore) DrawPlayerCard(playerId string) (card.CardInstance, bool) {
	var drawnCard card.CardInstance
	err := self.updatePlayer("drawPlayerCard", playerId, func(player card.Player) (card.Player, error) {
		next, c, ok := card.DrawCard(player)
		if !ok {
			return player, errNotApplied
		}
		drawnCard = c
		return next, nil
	})
	return drawnCard, err == nil
}

func (self *PlayerStore) DrawPlayerHand(playerId string, handSize int) []card.CardInstance {
	drawnCards := []card.CardInstance{}
	self.updatePlayer("drawPlayerHand", playerId, func(player card.Player) (card.Player, error) {
		next, cards := card.DrawHand(player, handSize)
		drawnCards = cards
		return next, nil
	})
	return drawnCards
}

func (self *PlayerStore) PlayPlayerCard(playerId string, c card.CardInstance) bool {
	return self.applyIf("playPlayerCard", playerId, func(player card.Player) (card.Player, bool) {
		return card.PlayCard(player, c)
	})
}

func (self *PlayerStore) DiscardPlayerCard(playerId string, c card.CardInstance, fromZone card.Zone) bool {
	return self.applyIf("discardPlayerCard", playerId, func(player card.Player) (card.Player, bool) {
		return card.DiscardCard(player, c, fromZone)
	})
}

func (self *PlayerStore) TrashPlayerCard(playerId string, c card.CardInstance, fromZone card.Zone) bool {
	return self.applyIf("trashPlayerCard", playerId, func(player card.Player) (card.Player, bool) {
		return card.TrashCard(player, c, fromZone)
	})
}

func (self *PlayerStore) applyIf(action string, playerId string, apply func(player card.Player) (card.Player, bool)) bool {
	err := self.updatePlayer(action, playerId, func(player card.Player) (card.Player, error) {
		next, ok := apply(player)
		if !ok {
			return player, errNotApplied
		}
		return next, nil
	})
	return err == nil
}

func (self *PlayerStore) DiscardAllPlayerInPlay(playerId string) {
	self.updatePlayer("discardAllPlayerInPlay", playerId, func(player card.Player) (card.Player, error) {
		return card.DiscardAllInPlay(player), nil
	})
}

func (self *PlayerStore) DiscardAllPlayerInHand(playerId string) {
	self.updatePlayer("discardAllPlayerInHand", playerId, func(player card.Player) (card.Player, error) {
		return card.DiscardAllInHand(player), nil
	})
}

func (self *PlayerStore) ShufflePlayerDeck(playerId string) {
	self.updatePlayer("shufflePlayerDeck", playerId, func(player card.Player) (card.Player, error) {
		return card.ShuffleDeck(player), nil
	})
}
