package connect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrCoordinatorClosed = errors.New("coordinator closed")

// A local store the coordinator synchronizes. The coordinator mirrors the room membership into it.
type LocalStore interface {
	KeyValueStore
	// `roomId` is empty when not in a room
	SetMultiplayer(roomId string, isConnected bool)
}

// Which keys of a store are bound to which shared map.
type SyncTarget struct {
	Store   LocalStore
	MapName string
	// each key is bound to the same key of the map
	Keys []string
	// optional. A store key holding a record, bound entry by entry to the whole map.
	EntriesKey string
}

type CoordinatorState string

const (
	CoordinatorLocal      CoordinatorState = "local"
	CoordinatorConnecting CoordinatorState = "connecting"
	CoordinatorSynced     CoordinatorState = "synced"
)

type CoordinatorStatus struct {
	State       CoordinatorState
	RoomId      string
	IsConnected bool
}

type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// implemented by token providers that cache, see `TokenSource`
type tokenInvalidator interface {
	Invalidate()
}

const (
	ServerUrlEnvVar = "ROOMSYNC_SERVER_URL"
	AuthUrlEnvVar   = "ROOMSYNC_AUTH_URL"
)

type CoordinatorSettings struct {
	ServerUrl string
	AuthUrl   string
	// bounds the token fetch and the wait for connected (and synced on join). 0 means no bound.
	ConnectTimeout      time.Duration
	TransportSettings   *RoomTransportSettings
	TokenSourceSettings *TokenSourceSettings
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	serverUrl := "wss://web-deckbuilding-yredis.fly.dev"
	if v := strings.TrimSpace(os.Getenv(ServerUrlEnvVar)); v != "" {
		serverUrl = v
	}
	authUrl := "https://web-deckbuilding-auth.fly.dev"
	if v := strings.TrimSpace(os.Getenv(AuthUrlEnvVar)); v != "" {
		authUrl = v
	}
	return &CoordinatorSettings{
		ServerUrl:           serverUrl,
		AuthUrl:             authUrl,
		ConnectTimeout:      30 * time.Second,
		TransportSettings:   DefaultRoomTransportSettings(),
		TokenSourceSettings: DefaultTokenSourceSettings(),
	}
}

/*
The single entry point for entering and leaving a room.

States:
- local: no session. Stores operate locally with `roomId=""`, `isConnected=false`
- connecting: a create or join is in flight
- synced: one session and one binding per bound store key. Stores have `roomId`, `isConnected=true`

At most one session exists at a time. Leaving keeps the store contents as last synced.
*/
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	targets  []SyncTarget
	tokens   TokenProvider
	settings *CoordinatorSettings

	// serializes entering and tearing down, so store mirrors are applied in transition order
	transitionLock sync.Mutex

	stateLock     sync.Mutex
	state         CoordinatorState
	roomId        string
	session       *Session
	bindings      []Binding
	connectCancel context.CancelFunc
}

func NewCoordinatorWithDefaults(ctx context.Context, targets []SyncTarget) *Coordinator {
	return NewCoordinator(ctx, targets, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, targets []SyncTarget, settings *CoordinatorSettings) *Coordinator {
	tokens := NewTokenSource(settings.AuthUrl, settings.TokenSourceSettings)
	return NewCoordinatorWithTokenProvider(ctx, targets, tokens, settings)
}

func NewCoordinatorWithTokenProvider(
	ctx context.Context,
	targets []SyncTarget,
	tokens TokenProvider,
	settings *CoordinatorSettings,
) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		ctx:      cancelCtx,
		cancel:   cancel,
		targets:  targets,
		tokens:   tokens,
		settings: settings,
		state:    CoordinatorLocal,
	}
}

// Creates a new room from the current local state and returns its id.
// When already in or entering a room, this logs a warning and returns the current room id.
func (self *Coordinator) CreateRoom(ctx context.Context) (string, error) {
	roomId := NewRoomId()
	currentRoomId, redundant, err := self.enter(ctx, "create", roomId, false)
	if redundant {
		return currentRoomId, nil
	}
	if err != nil {
		return "", err
	}
	return roomId, nil
}

// Joins an existing room. The local state is replaced by the room state.
// When already in or entering a room, this logs a warning and does nothing.
func (self *Coordinator) JoinRoom(ctx context.Context, roomIdStr string) error {
	roomId, err := ParseRoomId(roomIdStr)
	if err != nil {
		return err
	}
	_, _, err = self.enter(ctx, "join", roomId, true)
	return err
}

func (self *Coordinator) enter(
	ctx context.Context,
	op string,
	roomId string,
	waitSynced bool,
) (currentRoomId string, redundant bool, returnErr error) {
	var connectCtx context.Context
	var connectCancel context.CancelFunc
	if 0 < self.settings.ConnectTimeout {
		connectCtx, connectCancel = context.WithTimeout(ctx, self.settings.ConnectTimeout)
	} else {
		connectCtx, connectCancel = context.WithCancel(ctx)
	}
	defer connectCancel()

	self.stateLock.Lock()
	if self.state != CoordinatorLocal {
		state := self.state
		currentRoomId = self.roomId
		self.stateLock.Unlock()
		glog.Warningf("[c]%s %s ignored, already %s in %s\n", op, roomId, state, currentRoomId)
		return currentRoomId, true, nil
	}
	if err := self.ctx.Err(); err != nil {
		self.stateLock.Unlock()
		return "", false, ErrCoordinatorClosed
	}
	self.state = CoordinatorConnecting
	self.roomId = roomId
	self.connectCancel = connectCancel
	self.stateLock.Unlock()

	self.transitionLock.Lock()
	defer self.transitionLock.Unlock()

	rollback := func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.state = CoordinatorLocal
		self.roomId = ""
		self.connectCancel = nil
	}

	glog.V(1).Infof("[c]%s %s\n", op, roomId)

	session, err := self.connect(connectCtx, roomId, waitSynced)
	if err != nil {
		rollback()
		glog.Infof("[c]%s %s error = %s\n", op, roomId, err)
		return "", false, err
	}

	self.stateLock.Lock()
	if err := connectCtx.Err(); err != nil {
		// left or timed out right as the connect finished
		self.state = CoordinatorLocal
		self.roomId = ""
		self.connectCancel = nil
		self.stateLock.Unlock()
		session.Destroy()
		return "", false, err
	}
	self.state = CoordinatorSynced
	self.session = session
	self.connectCancel = nil
	self.stateLock.Unlock()

	self.mirror(roomId, true)
	bindings := self.bind(session)

	self.stateLock.Lock()
	self.bindings = bindings
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]%s %s done\n", op, roomId)
	return roomId, false, nil
}

// the session is destroyed on any error
func (self *Coordinator) connect(ctx context.Context, roomId string, waitSynced bool) (*Session, error) {
	token, err := self.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	session, err := ConnectRoom(self.ctx, ConnectionConfig{
		ServerUrl: self.settings.ServerUrl,
		RoomId:    roomId,
		Token:     token,
	}, self.settings.TransportSettings)
	if err != nil {
		return nil, err
	}

	if err := session.WaitConnected(ctx); err != nil {
		session.Destroy()
		self.checkUnauthorized(err)
		return nil, fmt.Errorf("room %s did not connect: %w", roomId, err)
	}
	if waitSynced {
		if err := session.WaitSynced(ctx); err != nil {
			session.Destroy()
			self.checkUnauthorized(err)
			return nil, fmt.Errorf("room %s did not sync: %w", roomId, err)
		}
	}
	return session, nil
}

// a rejected token is dropped so the next attempt fetches a fresh one
func (self *Coordinator) checkUnauthorized(err error) {
	if !errors.Is(err, ErrUnauthorized) {
		return
	}
	if invalidator, ok := self.tokens.(tokenInvalidator); ok {
		glog.Infof("[c]token rejected, invalidating\n")
		invalidator.Invalidate()
	}
}

func (self *Coordinator) bind(session *Session) []Binding {
	bindings := []Binding{}
	for _, target := range self.targets {
		ymap, ok := session.Shared().Map(target.MapName)
		if !ok {
			glog.Errorf("[c]no shared map %s\n", target.MapName)
			continue
		}
		if 0 < len(target.Keys) {
			bindings = append(bindings, BindMultipleKeys(target.Store, ymap, target.Keys, nil))
		}
		if target.EntriesKey != "" {
			bindings = append(bindings, BindStoreEntries(KeyBindingConfig{
				Store: target.Store,
				Map:   ymap,
				Key:   target.EntriesKey,
			}))
		}
	}
	return bindings
}

func (self *Coordinator) mirror(roomId string, isConnected bool) {
	for _, target := range self.targets {
		HandleError(func() {
			target.Store.SetMultiplayer(roomId, isConnected)
		})
	}
}

// Leaves the current room. Store contents are kept as last synced.
// While a create or join is in flight, that connect is cancelled instead.
func (self *Coordinator) LeaveRoom() {
	self.stateLock.Lock()
	switch self.state {
	case CoordinatorLocal:
		self.stateLock.Unlock()
		glog.Warningf("[c]leave ignored, not in a room\n")
		return
	case CoordinatorConnecting:
		glog.V(1).Infof("[c]leave %s cancels connect\n", self.roomId)
		if self.connectCancel != nil {
			self.connectCancel()
		}
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	self.transitionLock.Lock()
	defer self.transitionLock.Unlock()

	self.stateLock.Lock()
	if self.state != CoordinatorSynced {
		self.stateLock.Unlock()
		return
	}
	roomId := self.roomId
	session := self.session
	bindings := self.bindings
	self.state = CoordinatorLocal
	self.roomId = ""
	self.session = nil
	self.bindings = nil
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]leave %s\n", roomId)

	for _, binding := range bindings {
		binding.Unbind()
	}
	session.Destroy()
	self.mirror("", false)
}

func (self *Coordinator) Status() CoordinatorStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return CoordinatorStatus{
		State:       self.state,
		RoomId:      self.roomId,
		IsConnected: self.state == CoordinatorSynced,
	}
}

// the live session, if synced
func (self *Coordinator) Session() (*Session, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session, self.session != nil
}

// Leaves any room and stops the coordinator. Later creates and joins fail.
func (self *Coordinator) Close() {
	self.stateLock.Lock()
	if self.connectCancel != nil {
		self.connectCancel()
	}
	synced := self.state == CoordinatorSynced
	self.stateLock.Unlock()

	if synced {
		self.LeaveRoom()
	}
	self.cancel()
}
