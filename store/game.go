package store

import (
	"errors"

	"github.com/webdeckbuilding/roomsync/card"
	"github.com/webdeckbuilding/roomsync/connect"
)

var ErrNoGame = errors.New("no game")

type GameState struct {
	// nil until a game is created
	Game *card.Game `json:"game"`
}

// The game store coordinates the market and player stores.
// Players added to the game are held by the player store, not in `Game.Players`.
type GameStore struct {
	*Store[GameState]

	market  *MarketStore
	players *PlayerStore
}

func NewGameStoreWithDefaults(market *MarketStore, players *PlayerStore) *GameStore {
	return NewGameStore(market, players, DefaultStoreSettings("gameStore"))
}

func NewGameStore(market *MarketStore, players *PlayerStore, settings *StoreSettings) *GameStore {
	return &GameStore{
		Store:   NewStore(GameState{}, settings),
		market:  market,
		players: players,
	}
}

func (self *GameStore) updateGame(action string, update func(game *card.Game) error) error {
	return self.Update(action, func(state *GameState) error {
		if state.Game == nil {
			return ErrNoGame
		}
		return update(state.Game)
	})
}

func (self *GameStore) CreateGame() {
	self.Update("createGame", func(state *GameState) error {
		state.Game = card.NewDefaultGame()
		return nil
	})
}

func (self *GameStore) SetStartingDeckComposition(composition map[string]int) error {
	return self.updateGame("setStartingDeckComposition", func(game *card.Game) error {
		game.StartingDeckComposition = composition
		return nil
	})
}

func (self *GameStore) SetStartingHandSize(size int) error {
	return self.updateGame("setStartingHandSize", func(game *card.Game) error {
		game.StartingHandSize = size
		return nil
	})
}

// clears the game, the market and the players
func (self *GameStore) Reset() {
	self.Update("reset", func(state *GameState) error {
		state.Game = nil
		return nil
	})
	self.market.Reset()
	self.players.Reset()
}

// Adds the definition to the market store and mirrors the catalog into the game.
func (self *GameStore) AddCardToMarket(definition card.CardDefinition) error {
	if _, ok := self.Game(); !ok {
		return ErrNoGame
	}
	self.market.AddCardDefinition(definition)
	catalog := self.market.MarketCards()
	return self.updateGame("addCardToMarket", func(game *card.Game) error {
		game.Market = card.Market{
			Catalog: catalog,
		}
		return nil
	})
}

// Sets up the player's starting deck and adds the player to the player store.
func (self *GameStore) AddPlayerToGame(player card.Player, cardDefinitions []card.CardDefinition) (card.Player, error) {
	var addedPlayer card.Player
	err := self.updateGame("addPlayerToGame", func(game *card.Game) error {
		nextGame, nextPlayer, err := card.AddPlayer(*game, player, cardDefinitions)
		if err != nil {
			return err
		}
		nextGame.Players = []card.Player{}
		*game = nextGame
		addedPlayer = nextPlayer
		return nil
	})
	if err != nil {
		return player, err
	}
	self.players.AddPlayer(addedPlayer)
	return addedPlayer, nil
}

func (self *GameStore) Game() (card.Game, bool) {
	game := self.State().Game
	if game == nil {
		return card.Game{}, false
	}
	return *game, true
}

func (self *GameStore) Player(playerId string) (card.Player, bool) {
	return self.players.Player(playerId)
}

func (self *GameStore) AllPlayers() []card.Player {
	return self.players.AllPlayers()
}

// The three local stores of a client.
type Stores struct {
	Game    *GameStore
	Market  *MarketStore
	Players *PlayerStore
}

func NewStoresWithDefaults() *Stores {
	return NewStores(
		DefaultStoreSettings("gameStore"),
		DefaultStoreSettings("marketStore"),
		DefaultStoreSettings("playerStore"),
	)
}

func NewStores(gameSettings *StoreSettings, marketSettings *StoreSettings, playerSettings *StoreSettings) *Stores {
	market := NewMarketStore(marketSettings)
	players := NewPlayerStore(playerSettings)
	return &Stores{
		Game:    NewGameStore(market, players, gameSettings),
		Market:  market,
		Players: players,
	}
}

// game store `game` -> map `game`, market store `catalog` -> map `market`,
// player store `players` -> map `players` entry by entry
func (self *Stores) SyncTargets() []connect.SyncTarget {
	return []connect.SyncTarget{
		{
			Store:   self.Game,
			MapName: connect.GameMapName,
			Keys:    []string{"game"},
		},
		{
			Store:   self.Market,
			MapName: connect.MarketMapName,
			Keys:    []string{"catalog"},
		},
		{
			Store:      self.Players,
			MapName:    connect.PlayersMapName,
			EntriesKey: "players",
		},
	}
}
