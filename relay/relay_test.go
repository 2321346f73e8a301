package relay

import (
	"context"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/webdeckbuilding/roomsync/crdt"
)

func init() {
	initGlog()
	gin.SetMode(gin.TestMode)
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func getToken(t *testing.T, server *httptest.Server) string {
	resp, err := http.Get(server.URL + "/auth/token")
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	assert.Equal(t, err, nil)
	return string(body)
}

func roomUrl(server *httptest.Server, roomId string, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/rooms/" + roomId + "?yauth=" + token
}

// a raw protocol client
type testPeer struct {
	t   *testing.T
	ws  *websocket.Conn
	doc *crdt.Doc
}

func dialPeer(t *testing.T, server *httptest.Server, roomId string, doc *crdt.Doc) *testPeer {
	ws, _, err := websocket.DefaultDialer.Dial(roomUrl(server, roomId, getToken(t, server)), nil)
	assert.Equal(t, err, nil)
	return &testPeer{
		t:   t,
		ws:  ws,
		doc: doc,
	}
}

func (self *testPeer) write(message *crdt.Message) {
	err := self.ws.WriteMessage(websocket.BinaryMessage, crdt.EncodeMessage(message))
	assert.Equal(self.t, err, nil)
}

// reads the next non ping message
func (self *testPeer) read() *crdt.Message {
	for {
		self.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, messageBytes, err := self.ws.ReadMessage()
		assert.Equal(self.t, err, nil)
		if len(messageBytes) == 0 {
			continue
		}
		message, err := crdt.DecodeMessage(messageBytes)
		assert.Equal(self.t, err, nil)
		return message
	}
}

// answers the relay step 1 and applies the relay step 2
func (self *testPeer) sync() {
	step1 := self.read()
	assert.Equal(self.t, step1.Type, crdt.MessageSyncStep1)
	self.write(crdt.SyncStep2Message(self.doc.EncodeStateAsUpdate(step1.StateVector)))

	self.write(crdt.SyncStep1Message(self.doc.StateVector()))
	step2 := self.read()
	assert.Equal(self.t, step2.Type, crdt.MessageSyncStep2)
	assert.Equal(self.t, self.doc.ApplyUpdate(step2.Update, self), nil)
}

func newTestRelay(t *testing.T) (*Relay, *httptest.Server) {
	ctx, cancel := context.WithCancel(context.Background())
	relay := NewRelayWithDefaults(ctx)
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		relay.Close()
		server.Close()
		cancel()
	})
	return relay, server
}

func TestIssuedTokenVerifies(t *testing.T) {
	relay, server := newTestRelay(t)

	token := getToken(t, server)
	subject, err := relay.auth.verify(token)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, subject, "")

	claims := &gojwt.RegisteredClaims{}
	_, _, err = gojwt.NewParser().ParseUnverified(token, claims)
	assert.Equal(t, err, nil)
	lifetime := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	assert.Equal(t, lifetime, 60*time.Minute)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	relay, _ := newTestRelay(t)

	relay.auth.now = func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}
	token, err := relay.auth.issue()
	assert.Equal(t, err, nil)
	relay.auth.now = time.Now

	_, err = relay.auth.verify(token)
	assert.NotEqual(t, err, nil)

	_, err = relay.auth.verify("")
	assert.Equal(t, err, ErrMissingToken)
}

func TestRoomRequiresToken(t *testing.T) {
	_, server := newTestRelay(t)

	for _, token := range []string{"", "not-a-token"} {
		_, resp, err := websocket.DefaultDialer.Dial(roomUrl(server, "ABC123", token), nil)
		assert.Equal(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
	}

	// a token signed by another relay
	_, otherServer := newTestRelay(t)
	otherToken := getToken(t, otherServer)
	_, resp, err := websocket.DefaultDialer.Dial(roomUrl(server, "ABC123", otherToken), nil)
	assert.Equal(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestRelayReplicatesRoom(t *testing.T) {
	relay, server := newTestRelay(t)

	roomId := "ROOM01"

	aDoc := crdt.NewDoc()
	aDoc.GetMap("market").Set("catalog", []any{"x"})
	a := dialPeer(t, server, roomId, aDoc)
	defer a.ws.Close()
	a.sync()

	// offline edits of a reach the relay with a's step 2
	assert.Equal(t, waitFor(func() bool {
		snapshot, ok := relay.RoomSnapshot(roomId)
		return ok && len(snapshot["market"]) == 1
	}), true)

	bDoc := crdt.NewDoc()
	b := dialPeer(t, server, roomId, bDoc)
	defer b.ws.Close()
	b.sync()

	catalog, ok := bDoc.GetMap("market").Get("catalog")
	assert.Equal(t, ok, true)
	assert.Equal(t, catalog, []any{"x"})

	assert.Equal(t, waitFor(func() bool {
		return relay.PeerCount(roomId) == 2
	}), true)

	// live update from b is broadcast to a only
	var update *crdt.Update
	unsubscribe := bDoc.OnUpdate(func(u *crdt.Update, origin any) {
		update = u
	})
	bDoc.GetMap("market").Set("catalog", []any{"x", "y"})
	unsubscribe()
	b.write(crdt.UpdateMessage(update))

	message := a.read()
	assert.Equal(t, message.Type, crdt.MessageUpdate)
	assert.Equal(t, aDoc.ApplyUpdate(message.Update, a), nil)
	catalog, _ = aDoc.GetMap("market").Get("catalog")
	assert.Equal(t, catalog, []any{"x", "y"})

	assert.Equal(t, relay.RoomCount(), 1)
}

func TestMetrics(t *testing.T) {
	_, server := newTestRelay(t)

	getToken(t, server)

	resp, err := http.Get(server.URL + "/metrics")
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(string(body), "roomsync_relay_tokens_issued_total 1"), true)
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
