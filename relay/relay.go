package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// A pub/sub relay for room documents, used for local development and tests.
//
// Routes:
// - GET /auth/token            a signed room token as text
// - GET /rooms/:room?yauth=... websocket for the room. 401 without a valid token.
// - GET /metrics               prometheus metrics

type RelaySettings struct {
	// HS256 key for room tokens. A random key is used when empty.
	JwtSecret      []byte
	TokenTimeout   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
	// graceful shutdown bound for `Serve`
	ShutdownTimeout time.Duration
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		TokenTimeout:    60 * time.Minute,
		PingTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     30 * time.Second,
		SendBufferSize:  256,
		ShutdownTimeout: 5 * time.Second,
	}
}

type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySettings
	auth     *tokenAuthority
	metrics  *relayMetrics
	upgrader websocket.Upgrader
	router   *gin.Engine

	stateLock sync.Mutex
	rooms     map[string]*room
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)

	secret := settings.JwtSecret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(err)
		}
	}

	relay := &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		auth: &tokenAuthority{
			secret:  secret,
			timeout: settings.TokenTimeout,
			now:     time.Now,
		},
		metrics: newRelayMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browser clients connect from any origin. The token is the access control.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*room{},
	}

	router := gin.Default()
	router.GET("/auth/token", func(c *gin.Context) { relay.issueToken(c) })
	router.GET("/rooms/:room", func(c *gin.Context) { relay.connectRoom(c) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(relay.metrics.registry, promhttp.HandlerOpts{})))
	relay.router = router

	return relay
}

func (self *Relay) Handler() http.Handler {
	return self.router
}

// Serves on `addr` until `ctx` or the relay is done, then shuts down gracefully.
func (self *Relay) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: self.router,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-self.ctx.Done():
	}

	// close peers first, hijacked websockets are not tracked by the server
	self.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// disconnects all peers
func (self *Relay) Close() {
	self.cancel()
}

func (self *Relay) issueToken(c *gin.Context) {
	token, err := self.auth.issue()
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	self.metrics.tokensIssued.Inc()
	c.String(http.StatusOK, token)
}

func (self *Relay) connectRoom(c *gin.Context) {
	roomId := c.Param("room")

	subject, err := self.auth.verify(c.Query("yauth"))
	if err != nil {
		self.metrics.authRejected.Inc()
		glog.Infof("[r]%s rejected = %s\n", roomId, err)
		c.String(http.StatusUnauthorized, fmt.Sprintf("%d Unauthorized - %v", http.StatusUnauthorized, err))
		return
	}

	ws, err := self.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the error response
		glog.Infof("[r]%s upgrade error = %s\n", roomId, err)
		return
	}

	r := self.openRoom(roomId)

	peerCtx, peerCancel := context.WithCancel(self.ctx)
	p := &peer{
		ctx:     peerCtx,
		cancel:  peerCancel,
		id:      fmt.Sprintf("%s-%s", subject, ulid.Make().String()),
		room:    r,
		ws:      ws,
		send:    make(chan []byte, self.settings.SendBufferSize),
		metrics: self.metrics,
	}

	glog.V(1).Infof("[r]%s/%s connected\n", roomId, p.id)
	self.metrics.peers.Inc()
	defer self.metrics.peers.Dec()

	p.run(self.settings)

	glog.V(1).Infof("[r]%s/%s disconnected\n", roomId, p.id)
}

// rooms are kept for the life of the relay
func (self *Relay) openRoom(roomId string) *room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[roomId]
	if !ok {
		r = newRoom(roomId, self.metrics)
		self.rooms[roomId] = r
		self.metrics.rooms.Set(float64(len(self.rooms)))
	}
	return r
}

func (self *Relay) RoomCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms)
}

// number of peers registered for broadcast in `roomId`
func (self *Relay) PeerCount(roomId string) int {
	self.stateLock.Lock()
	r, ok := self.rooms[roomId]
	self.stateLock.Unlock()
	if !ok {
		return 0
	}
	return r.peerCount()
}

// a copy of the room contents, for inspection
func (self *Relay) RoomSnapshot(roomId string) (map[string]map[string]any, bool) {
	self.stateLock.Lock()
	r, ok := self.rooms[roomId]
	self.stateLock.Unlock()
	if !ok {
		return nil, false
	}
	snapshot := map[string]map[string]any{}
	for _, name := range r.doc.MapNames() {
		snapshot[name] = r.doc.GetMap(name).ToMap()
	}
	return snapshot, true
}
