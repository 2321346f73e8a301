package store

import (
	"github.com/webdeckbuilding/roomsync/card"
)

type MarketState struct {
	// a set of definitions by uid
	Catalog []card.CardDefinition `json:"catalog"`
}

type MarketStore struct {
	*Store[MarketState]
}

func NewMarketStoreWithDefaults() *MarketStore {
	return NewMarketStore(DefaultStoreSettings("marketStore"))
}

func NewMarketStore(settings *StoreSettings) *MarketStore {
	return &MarketStore{
		Store: NewStore(MarketState{
			Catalog: []card.CardDefinition{},
		}, settings),
	}
}

func (self *MarketStore) AddCardDefinition(definition card.CardDefinition) {
	self.Update("addCardDefinition", func(state *MarketState) error {
		state.Catalog = card.AddCardDefinition(state.Catalog, definition)
		return nil
	})
}

func (self *MarketStore) RemoveCardDefinition(definition card.CardDefinition) {
	self.Update("removeCardDefinition", func(state *MarketState) error {
		state.Catalog = card.RemoveCardDefinition(state.Catalog, definition)
		return nil
	})
}

func (self *MarketStore) Reset() {
	self.Update("reset", func(state *MarketState) error {
		state.Catalog = []card.CardDefinition{}
		return nil
	})
}

func (self *MarketStore) HasCardDefinition(definition card.CardDefinition) bool {
	return card.HasCardDefinition(self.State().Catalog, definition)
}

func (self *MarketStore) MarketCards() []card.CardDefinition {
	return self.State().Catalog
}
