package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

/*
A replicated document made of named maps.

Each map entry is a last-writer-wins register ordered by (lamport clock, client id).
Replicas that have applied the same set of entries hold the same content regardless of
the order the entries arrived in.

Writes are grouped into transactions. Every transaction carries an origin that observers
can inspect to tell their own writes apart from writes made elsewhere.
*/

var ErrDestroyed = errors.New("document destroyed")

var ErrClockExhausted = errors.New("document clock exhausted")

// Highest clock an entry may carry. Entries above it are dropped on apply, so a single bad
// entry cannot push the document clock to where the next local write would wrap around.
// The bound is absolute so every replica drops the same entries.
const MaxClock uint64 = 1<<53 - 1

// a single write to one key of one map
type Entry struct {
	Map     string
	Key     string
	Value   json.RawMessage
	Clock   uint64
	Client  string
	Deleted bool
}

// total order used to pick the surviving write for a key
func (self *Entry) wins(other *Entry) bool {
	if self.Clock != other.Clock {
		return other.Clock < self.Clock
	}
	return other.Client < self.Client
}

func (self *Entry) clone() *Entry {
	entry := *self
	if self.Value != nil {
		entry.Value = append(json.RawMessage(nil), self.Value...)
	}
	return &entry
}

type Update struct {
	Entries []*Entry
}

func (self *Update) IsEmpty() bool {
	return self == nil || len(self.Entries) == 0
}

// client id -> highest clock seen from that client
type StateVector map[string]uint64

type UpdateFunction func(update *Update, origin any)

type Transaction struct {
	Origin any
	// true when the writes were made on this replica, false when applied from an update
	Local bool

	ops []*txnOp
	err error
}

type txnOp struct {
	m       *Map
	key     string
	value   json.RawMessage
	deleted bool
}

func (self *Transaction) Set(m *Map, key string, value any) {
	if self.err != nil {
		return
	}
	valueBytes, err := json.Marshal(value)
	if err != nil {
		self.err = fmt.Errorf("set %s.%s: %w", m.name, key, err)
		return
	}
	self.ops = append(self.ops, &txnOp{
		m:     m,
		key:   key,
		value: valueBytes,
	})
}

func (self *Transaction) Delete(m *Map, key string) {
	if self.err != nil {
		return
	}
	self.ops = append(self.ops, &txnOp{
		m:       m,
		key:     key,
		deleted: true,
	})
}

type Doc struct {
	clientId string

	stateLock   sync.Mutex
	clock       uint64
	stateVector StateVector
	maps        map[string]*Map
	destroyed   bool

	nextCallbackId  uint64
	updateCallbacks map[uint64]UpdateFunction
}

func NewDoc() *Doc {
	return NewDocWithClientId(ulid.Make().String())
}

func NewDocWithClientId(clientId string) *Doc {
	return &Doc{
		clientId:        clientId,
		stateVector:     StateVector{},
		maps:            map[string]*Map{},
		updateCallbacks: map[uint64]UpdateFunction{},
	}
}

func (self *Doc) ClientId() string {
	return self.clientId
}

// returns the named map, creating it if absent. Creation is idempotent by name.
func (self *Doc) GetMap(name string) *Map {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.getMapWithLock(name)
}

func (self *Doc) HasMap(name string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.maps[name]
	return ok
}

// sorted
func (self *Doc) MapNames() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	names := make([]string, 0, len(self.maps))
	for name := range self.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (self *Doc) getMapWithLock(name string) *Map {
	m, ok := self.maps[name]
	if !ok {
		m = &Map{
			doc:       self,
			name:      name,
			entries:   map[string]*Entry{},
			observers: map[uint64]ObserveFunction{},
		}
		self.maps[name] = m
	}
	return m
}

func (self *Doc) Transact(origin any, fn func(txn *Transaction)) error {
	txn := &Transaction{
		Origin: origin,
		Local:  true,
	}
	fn(txn)
	if txn.err != nil {
		return txn.err
	}
	if len(txn.ops) == 0 {
		return nil
	}

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return ErrDestroyed
	}
	if MaxClock-self.clock < uint64(len(txn.ops)) {
		self.stateLock.Unlock()
		return ErrClockExhausted
	}
	changes := newChangeSet()
	update := &Update{}
	for _, op := range txn.ops {
		self.clock += 1
		entry := &Entry{
			Map:     op.m.name,
			Key:     op.key,
			Value:   op.value,
			Clock:   self.clock,
			Client:  self.clientId,
			Deleted: op.deleted,
		}
		m := self.getMapWithLock(op.m.name)
		m.entries[op.key] = entry
		changes.add(m, op.key)
		update.Entries = append(update.Entries, entry.clone())
	}
	self.stateVector[self.clientId] = self.clock
	self.stateLock.Unlock()

	self.dispatch(txn, changes, update)
	return nil
}

func (self *Doc) ApplyUpdate(update *Update, origin any) error {
	if update.IsEmpty() {
		return nil
	}
	txn := &Transaction{
		Origin: origin,
		Local:  false,
	}

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return ErrDestroyed
	}
	changes := newChangeSet()
	accepted := &Update{}
	for _, entry := range update.Entries {
		if MaxClock < entry.Clock {
			glog.Infof("[crdt]dropped entry %s.%s from %s with clock %d\n", entry.Map, entry.Key, entry.Client, entry.Clock)
			continue
		}
		if self.clock < entry.Clock {
			self.clock = entry.Clock
		}
		if self.stateVector[entry.Client] < entry.Clock {
			self.stateVector[entry.Client] = entry.Clock
		}
		m := self.getMapWithLock(entry.Map)
		if existing, ok := m.entries[entry.Key]; ok && !entry.wins(existing) {
			continue
		}
		m.entries[entry.Key] = entry.clone()
		changes.add(m, entry.Key)
		accepted.Entries = append(accepted.Entries, entry.clone())
	}
	self.stateLock.Unlock()

	self.dispatch(txn, changes, accepted)
	return nil
}

func (self *Doc) StateVector() StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	stateVector := make(StateVector, len(self.stateVector))
	for client, clock := range self.stateVector {
		stateVector[client] = clock
	}
	return stateVector
}

// all surviving entries the holder of `stateVector` has not seen
func (self *Doc) EncodeStateAsUpdate(stateVector StateVector) *Update {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	update := &Update{}
	for _, m := range self.maps {
		for _, entry := range m.entries {
			if stateVector[entry.Client] < entry.Clock {
				update.Entries = append(update.Entries, entry.clone())
			}
		}
	}
	sort.Slice(update.Entries, func(i int, j int) bool {
		return update.Entries[j].wins(update.Entries[i])
	})
	return update
}

func (self *Doc) OnUpdate(callback UpdateFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return func() {}
	}
	self.nextCallbackId += 1
	callbackId := self.nextCallbackId
	self.updateCallbacks[callbackId] = callback
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.updateCallbacks, callbackId)
	}
}

// releases all observers and callbacks. Later writes fail with `ErrDestroyed`.
func (self *Doc) Destroy() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return
	}
	self.destroyed = true
	clear(self.updateCallbacks)
	for _, m := range self.maps {
		clear(m.observers)
	}
}

func (self *Doc) IsDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.destroyed
}

func (self *Doc) dispatch(txn *Transaction, changes *changeSet, update *Update) {
	if changes.isEmpty() {
		return
	}

	for _, m := range changes.maps {
		event := &MapEvent{
			Map:         m,
			KeysChanged: changes.keys(m),
		}
		for _, observer := range m.observersSnapshot() {
			safeCall(func() {
				observer(event, txn)
			})
		}
	}

	self.stateLock.Lock()
	callbackIds := make([]uint64, 0, len(self.updateCallbacks))
	for callbackId := range self.updateCallbacks {
		callbackIds = append(callbackIds, callbackId)
	}
	sort.Slice(callbackIds, func(i int, j int) bool {
		return callbackIds[i] < callbackIds[j]
	})
	callbacks := make([]UpdateFunction, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		callbacks = append(callbacks, self.updateCallbacks[callbackId])
	}
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		safeCall(func() {
			callback(update, txn.Origin)
		})
	}
}

func safeCall(do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[crdt]callback panic = %v\n%s", r, debug.Stack())
		}
	}()
	do()
}

type changeSet struct {
	maps    []*Map
	changed map[*Map]map[string]bool
}

func newChangeSet() *changeSet {
	return &changeSet{
		changed: map[*Map]map[string]bool{},
	}
}

func (self *changeSet) add(m *Map, key string) {
	keys, ok := self.changed[m]
	if !ok {
		keys = map[string]bool{}
		self.changed[m] = keys
		self.maps = append(self.maps, m)
	}
	keys[key] = true
}

func (self *changeSet) keys(m *Map) []string {
	keys := make([]string, 0, len(self.changed[m]))
	for key := range self.changed[m] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (self *changeSet) isEmpty() bool {
	return len(self.maps) == 0
}
