package store

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"github.com/webdeckbuilding/roomsync/card"
	"github.com/webdeckbuilding/roomsync/connect"
	"github.com/webdeckbuilding/roomsync/crdt"
	"github.com/webdeckbuilding/roomsync/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testRoomServer struct {
	relay    *relay.Relay
	settings *connect.CoordinatorSettings
}

func newTestRoomServer(t *testing.T) *testRoomServer {
	ctx, cancel := context.WithCancel(context.Background())
	r := relay.NewRelayWithDefaults(ctx)
	server := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		r.Close()
		server.Close()
		cancel()
	})

	settings := connect.DefaultCoordinatorSettings()
	settings.ServerUrl = strings.Replace(server.URL, "http://", "ws://", 1) + "/rooms"
	settings.AuthUrl = server.URL
	settings.ConnectTimeout = 5 * time.Second
	settings.TransportSettings.ReconnectTimeout = 100 * time.Millisecond
	return &testRoomServer{
		relay:    r,
		settings: settings,
	}
}

type testGameClient struct {
	stores      *Stores
	coordinator *connect.Coordinator
}

func (self *testRoomServer) newClient(t *testing.T) *testGameClient {
	stores := NewStoresWithDefaults()
	coordinator := connect.NewCoordinator(context.Background(), stores.SyncTargets(), self.settings)
	t.Cleanup(coordinator.Close)
	return &testGameClient{
		stores:      stores,
		coordinator: coordinator,
	}
}

func (self *testGameClient) catalogNames() []string {
	names := []string{}
	for _, definition := range self.stores.Market.MarketCards() {
		names = append(names, definition.Name)
	}
	return names
}

func (self *testGameClient) assertMultiplayer(t *testing.T, roomId string, isConnected bool) {
	type multiplayerStore interface {
		Multiplayer() (string, bool)
	}
	for _, s := range []multiplayerStore{self.stores.Game, self.stores.Market, self.stores.Players} {
		storeRoomId, storeIsConnected := s.Multiplayer()
		assert.Equal(t, storeRoomId, roomId)
		assert.Equal(t, storeIsConnected, isConnected)
	}
}

func waitFor(ready func() bool) bool {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if ready() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func namesEqual(names []string, expected ...string) bool {
	return connect.DeepEqual(names, expected)
}

func TestRoomScenario(t *testing.T) {
	server := newTestRoomServer(t)
	ctx := context.Background()

	a := server.newClient(t)
	a.stores.Market.AddCardDefinition(card.NewCardDefinition("CardX", "", 1))
	b := server.newClient(t)
	b.stores.Market.AddCardDefinition(card.NewCardDefinition("CardB", "", 1))

	roomId, err := a.coordinator.CreateRoom(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(roomId), connect.RoomIdLength)
	a.assertMultiplayer(t, roomId, true)

	err = b.coordinator.JoinRoom(ctx, roomId)
	assert.Equal(t, err, nil)
	b.assertMultiplayer(t, roomId, true)
	assert.Equal(t, waitFor(func() bool {
		return namesEqual(b.catalogNames(), "CardX")
	}), true)

	b.stores.Market.AddCardDefinition(card.NewCardDefinition("CardY", "", 2))
	assert.Equal(t, waitFor(func() bool {
		return namesEqual(a.catalogNames(), "CardX", "CardY")
	}), true)

	a.coordinator.LeaveRoom()
	a.assertMultiplayer(t, "", false)
	assert.Equal(t, a.catalogNames(), []string{"CardX", "CardY"})

	a.stores.Market.AddCardDefinition(card.NewCardDefinition("LocalOnlyCard", "", 3))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, b.catalogNames(), []string{"CardX", "CardY"})

	err = a.coordinator.JoinRoom(ctx, roomId)
	assert.Equal(t, err, nil)
	assert.Equal(t, a.catalogNames(), []string{"CardX", "CardY"})
}

func TestRoomGameAndPlayers(t *testing.T) {
	server := newTestRoomServer(t)
	ctx := context.Background()

	a := server.newClient(t)
	b := server.newClient(t)

	copper := card.NewCardDefinition("Copper", "+1 coin", 0)
	a.stores.Game.CreateGame()
	assert.Equal(t, a.stores.Game.AddCardToMarket(copper), nil)
	assert.Equal(t, a.stores.Game.SetStartingDeckComposition(map[string]int{copper.Uid: 7}), nil)

	roomId, err := a.coordinator.CreateRoom(ctx)
	assert.Equal(t, err, nil)
	err = b.coordinator.JoinRoom(ctx, roomId)
	assert.Equal(t, err, nil)

	game, ok := b.stores.Game.Game()
	assert.Equal(t, ok, true)
	assert.Equal(t, game.StartingDeckComposition, map[string]int{copper.Uid: 7})
	assert.Equal(t, b.stores.Market.MarketCards(), []card.CardDefinition{copper})

	// each client adds its own player, both are kept as separate entries
	ada, err := a.stores.Game.AddPlayerToGame(card.NewPlayer("ada"), a.stores.Market.MarketCards())
	assert.Equal(t, err, nil)
	assert.Equal(t, waitFor(func() bool {
		_, ok := b.stores.Players.Player(ada.PlayerId)
		return ok
	}), true)
	grace, err := b.stores.Game.AddPlayerToGame(card.NewPlayer("grace"), b.stores.Market.MarketCards())
	assert.Equal(t, err, nil)

	for _, client := range []*testGameClient{a, b} {
		assert.Equal(t, waitFor(func() bool {
			return len(client.stores.Players.AllPlayers()) == 2
		}), true)
	}

	// zone changes replicate
	drawnCards := b.stores.Players.DrawPlayerHand(ada.PlayerId, 5)
	assert.Equal(t, len(drawnCards), 5)
	assert.Equal(t, waitFor(func() bool {
		player, ok := a.stores.Players.Player(ada.PlayerId)
		return ok && len(player.Hand) == 5 && len(player.Deck) == 2
	}), true)

	snapshot, ok := server.relay.RoomSnapshot(roomId)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(snapshot[connect.PlayersMapName]), 2)
	_, ok = snapshot[connect.PlayersMapName][grace.PlayerId]
	assert.Equal(t, ok, true)
}

func plainDefinition(definition card.CardDefinition) map[string]any {
	return map[string]any{
		"name": definition.Name,
		"text": definition.Text,
		"cost": float64(definition.Cost),
		"uid":  definition.Uid,
	}
}

// A remote apply whose notification is delayed behind a later local action
// must not overwrite the map with its older value.
func TestBindingOutOfOrderNotifications(t *testing.T) {
	market := NewMarketStoreWithDefaults()
	doc := crdt.NewDoc()
	connect.InitializeSchema(doc)
	shared := connect.AttachShared(doc)

	paused := make(chan struct{})
	release := make(chan struct{})
	var pauseOnce sync.Once
	pausing := false
	var pausingLock sync.Mutex
	// subscribed before the binding, so it runs first and holds back the binding's listener
	market.Subscribe("catalog", func(next any, prev any) {
		pausingLock.Lock()
		pause := pausing
		pausingLock.Unlock()
		if pause {
			pauseOnce.Do(func() {
				close(paused)
				<-release
			})
		}
	})

	binding := connect.BindStoreKey(connect.KeyBindingConfig{
		Store: market,
		Map:   shared.Market,
		Key:   "catalog",
	})
	defer binding.Unbind()

	y := card.CardDefinition{Name: "CardY", Cost: 1, Uid: "y"}
	z := card.CardDefinition{Name: "CardZ", Cost: 2, Uid: "z"}

	pausingLock.Lock()
	pausing = true
	pausingLock.Unlock()

	remoteDone := make(chan struct{})
	go func() {
		defer close(remoteDone)
		shared.Market.Set("catalog", []any{plainDefinition(y)})
	}()
	<-paused

	pausingLock.Lock()
	pausing = false
	pausingLock.Unlock()

	// the store already holds [Y], this commits [Y Z]
	market.AddCardDefinition(z)
	close(release)
	<-remoteDone

	assert.Equal(t, market.MarketCards(), []card.CardDefinition{y, z})
	catalog, ok := shared.Market.Get("catalog")
	assert.Equal(t, ok, true)
	assert.Equal(t, catalog, []any{plainDefinition(y), plainDefinition(z)})
}
