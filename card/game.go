package card

import (
	"errors"

	"golang.org/x/exp/slices"
)

const DefaultStartingHandSize = 5

var ErrNoDeckComposition = errors.New("game has no starting deck composition")

type Market struct {
	Catalog []CardDefinition `json:"catalog"`
}

type Game struct {
	Market  Market   `json:"market"`
	Players []Player `json:"players"`
	// definition uid -> count. nil until set.
	StartingDeckComposition map[string]int `json:"startingDeckComposition"`
	StartingHandSize        int            `json:"startingHandSize"`
}

func NewDefaultGame() *Game {
	return &Game{
		Market: Market{
			Catalog: []CardDefinition{},
		},
		Players:          []Player{},
		StartingHandSize: DefaultStartingHandSize,
	}
}

// Sets up the player's starting deck from the game composition, shuffles it and adds the player.
func AddPlayer(game Game, player Player, cardDefinitions []CardDefinition) (Game, Player, error) {
	if game.StartingDeckComposition == nil {
		return game, player, ErrNoDeckComposition
	}
	next, err := SetupPlayerDeck(player, game.StartingDeckComposition, cardDefinitions)
	if err != nil {
		return game, player, err
	}
	next = ShuffleDeck(next)

	game.Players = append(slices.Clone(game.Players), next)
	return game, next, nil
}

// The catalog is a set of definitions by uid, in insertion order.
func AddCardDefinition(catalog []CardDefinition, definition CardDefinition) []CardDefinition {
	if HasCardDefinition(catalog, definition) {
		return slices.Clone(catalog)
	}
	return append(slices.Clone(catalog), definition)
}

func RemoveCardDefinition(catalog []CardDefinition, definition CardDefinition) []CardDefinition {
	return slices.DeleteFunc(slices.Clone(catalog), func(d CardDefinition) bool {
		return d.Uid == definition.Uid
	})
}

func HasCardDefinition(catalog []CardDefinition, definition CardDefinition) bool {
	return slices.ContainsFunc(catalog, func(d CardDefinition) bool {
		return d.Uid == definition.Uid
	})
}
