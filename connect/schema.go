package connect

import (
	"github.com/webdeckbuilding/roomsync/crdt"
)

type SharedDoc struct {
	Game    *crdt.Map
	Market  *crdt.Map
	Players *crdt.Map
}

// Ensures the room maps exist. Safe to call any number of times on any replica,
// since map creation is idempotent by name.
func InitializeSchema(doc *crdt.Doc) {
	doc.GetMap(GameMapName)
	doc.GetMap(MarketMapName)
	doc.GetMap(PlayersMapName)
}

func AttachShared(doc *crdt.Doc) *SharedDoc {
	return &SharedDoc{
		Game:    doc.GetMap(GameMapName),
		Market:  doc.GetMap(MarketMapName),
		Players: doc.GetMap(PlayersMapName),
	}
}

func (self *SharedDoc) Map(name string) (*crdt.Map, bool) {
	switch name {
	case GameMapName:
		return self.Game, true
	case MarketMapName:
		return self.Market, true
	case PlayersMapName:
		return self.Players, true
	default:
		return nil, false
	}
}
