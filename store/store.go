package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/golang/glog"
	"github.com/mitchellh/mapstructure"
	"github.com/natefinch/atomic"

	"github.com/webdeckbuilding/roomsync/connect"
)

// multiplayer fields mirrored on every store. They are readable and subscribable like any key,
// but only `SetMultiplayer` writes them.
const (
	RoomIdKey      = "roomId"
	IsConnectedKey = "isConnected"
)

var ErrReadOnlyKey = errors.New("read only key")
var ErrUnknownKey = errors.New("unknown key")

type StoreSettings struct {
	// used to tag logs
	Name string
	// when set, the state is loaded from this file at construction and saved after each change
	PersistPath string
}

func DefaultStoreSettings(name string) *StoreSettings {
	return &StoreSettings{
		Name: name,
	}
}

type storeListener func(next map[string]any, prev map[string]any)

// An observable state container. The state `S` is a struct whose json field names are the store keys.
// Every change is published to subscribers as the plain (json) form of the key,
// the same form the shared document holds.
type Store[S any] struct {
	settings *StoreSettings
	log      connect.LogFunction

	stateLock   sync.Mutex
	state       S
	roomId      string
	isConnected bool

	persistLock sync.Mutex

	listeners *connect.CallbackList[storeListener]
}

func NewStore[S any](initialState S, settings *StoreSettings) *Store[S] {
	store := &Store[S]{
		settings:  settings,
		log:       connect.LogFn(2, fmt.Sprintf("[%s]", settings.Name)),
		state:     initialState,
		listeners: connect.NewCallbackList[storeListener](),
	}
	store.load()
	return store
}

func (self *Store[S]) load() {
	if self.settings.PersistPath == "" {
		return
	}
	stateBytes, err := os.ReadFile(self.settings.PersistPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		glog.Infof("[%s]could not read %s = %s\n", self.settings.Name, self.settings.PersistPath, err)
		return
	}
	var plain map[string]any
	if err := json.Unmarshal(stateBytes, &plain); err != nil {
		glog.Infof("[%s]could not parse %s = %s\n", self.settings.Name, self.settings.PersistPath, err)
		return
	}
	// missing keys keep their initial value
	state := self.state
	if err := decodePlain(plain, &state); err != nil {
		glog.Infof("[%s]could not load %s = %s\n", self.settings.Name, self.settings.PersistPath, err)
		return
	}
	self.state = state
	glog.V(1).Infof("[%s]loaded %s\n", self.settings.Name, self.settings.PersistPath)
}

func (self *Store[S]) persist() {
	if self.settings.PersistPath == "" {
		return
	}
	self.persistLock.Lock()
	defer self.persistLock.Unlock()

	// always the latest state, so concurrent saves cannot leave an older one on disk
	self.stateLock.Lock()
	stateBytes, err := json.Marshal(self.state)
	self.stateLock.Unlock()
	if err != nil {
		glog.Infof("[%s]could not encode state = %s\n", self.settings.Name, err)
		return
	}
	if err := atomic.WriteFile(self.settings.PersistPath, bytes.NewReader(stateBytes)); err != nil {
		glog.Infof("[%s]could not save %s = %s\n", self.settings.Name, self.settings.PersistPath, err)
	}
}

// the plain form of a typed value: json objects become `map[string]any`, numbers `float64`
func toPlain(value any) (any, error) {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(valueBytes, &plain); err != nil {
		return nil, err
	}
	return plain, nil
}

func decodePlain(plain any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     result,
		ZeroFields: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(plain)
}

// must hold `stateLock`
func (self *Store[S]) plainState() map[string]any {
	plain, err := toPlain(self.state)
	if err != nil {
		// the state types are plain data
		panic(err)
	}
	plainState, ok := plain.(map[string]any)
	if !ok {
		panic(fmt.Errorf("store state must be an object, got %T", plain))
	}
	if self.roomId == "" {
		plainState[RoomIdKey] = nil
	} else {
		plainState[RoomIdKey] = self.roomId
	}
	plainState[IsConnectedKey] = self.isConnected
	return plainState
}

// a copy of the state that shares nothing with the store
func (self *Store[S]) copyState() (S, error) {
	var state S
	plain, err := toPlain(self.state)
	if err != nil {
		return state, err
	}
	err = decodePlain(plain, &state)
	return state, err
}

func (self *Store[S]) State() S {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	state, err := self.copyState()
	if err != nil {
		panic(err)
	}
	return state
}

func (self *Store[S]) Snapshot() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.plainState()
}

// Runs the named action against a copy of the state. The copy replaces the state when
// `update` returns nil. An error leaves the state unchanged and is returned.
func (self *Store[S]) Update(action string, update func(state *S) error) error {
	prev, next, err := func() (map[string]any, map[string]any, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		state, err := self.copyState()
		if err != nil {
			return nil, nil, err
		}
		if err := update(&state); err != nil {
			return nil, nil, err
		}
		prev := self.plainState()
		self.state = state
		return prev, self.plainState(), nil
	}()
	if err != nil {
		self.log("%s failed = %s", action, err)
		return err
	}
	self.log("%s", action)
	self.persist()
	self.notify(next, prev)
	return nil
}

func (self *Store[S]) notify(next map[string]any, prev map[string]any) {
	for _, listener := range self.listeners.Get() {
		connect.HandleError(func() {
			listener(next, prev)
		})
	}
}

// connect.KeyValueStore implementation

func (self *Store[S]) Value(key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.plainState()[key]
	return value, ok
}

// Overwrites the key with a plain value, decoding it into the typed field.
func (self *Store[S]) SetValue(key string, value any) error {
	if key == RoomIdKey || key == IsConnectedKey {
		return fmt.Errorf("%w: %s", ErrReadOnlyKey, key)
	}
	return self.Update(fmt.Sprintf("set %s", key), func(state *S) error {
		plain, err := toPlain(state)
		if err != nil {
			return err
		}
		plainState := plain.(map[string]any)
		if _, ok := plainState[key]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		plainState[key] = value
		var next S
		if err := decodePlain(plainState, &next); err != nil {
			return err
		}
		*state = next
		return nil
	})
}

func (self *Store[S]) Subscribe(key string, listener func(next any, prev any)) func() {
	return self.listeners.Add(func(next map[string]any, prev map[string]any) {
		listener(next[key], prev[key])
	})
}

// connect.LocalStore implementation
func (self *Store[S]) SetMultiplayer(roomId string, isConnected bool) {
	var prev map[string]any
	var next map[string]any
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		prev = self.plainState()
		self.roomId = roomId
		self.isConnected = isConnected
		next = self.plainState()
	}()
	self.log("set multiplayer %q %t", roomId, isConnected)
	self.notify(next, prev)
}

func (self *Store[S]) Multiplayer() (roomId string, isConnected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.roomId, self.isConnected
}
