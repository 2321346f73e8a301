package connect

import (
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/webdeckbuilding/roomsync/crdt"
)

// The part of a local store a binding reads and writes. Values are plain data
// (what `encoding/json` produces when decoding into `any`).
type KeyValueStore interface {
	// current value of `key`. `false` when the store has no such key.
	Value(key string) (any, bool)
	// overwrites `key`, notifying subscribers
	SetValue(key string, value any) error
	// `listener` is called with the new and previous value of `key` after every store mutation
	Subscribe(key string, listener func(next any, prev any)) (unsubscribe func())
}

type Binding interface {
	Unbind()
}

type KeyBindingConfig struct {
	Store KeyValueStore
	Map   *crdt.Map
	Key   string
	// called after a change from elsewhere was applied to the store
	OnSync func()
}

/*
Keeps one store key and the same key of a shared map equal:
1. Store -> map: after a local change, write the key to the map under the binding's own origin
2. Map -> store: on a map change with any other origin, overwrite the store key
3. Initial: if the map has the key, hydrate the store from the map; else seed the map from the store
*/
type KeyBinding struct {
	store  KeyValueStore
	ymap   *crdt.Map
	key    string
	onSync func()
	// tags every write this binding makes
	origin Id
	log    LogFunction

	stateLock   sync.Mutex
	initialized bool

	unsubscribe func()
	unobserve   func()
	unbindOnce  sync.Once
}

func BindStoreKey(config KeyBindingConfig) *KeyBinding {
	binding := &KeyBinding{
		store:  config.Store,
		ymap:   config.Map,
		key:    config.Key,
		onSync: config.OnSync,
		origin: NewId(),
		log:    LogFn(2, fmt.Sprintf("[%s.%s]", config.Map.Name(), config.Key)),
	}
	binding.unsubscribe = config.Store.Subscribe(config.Key, binding.onLocalChange)
	binding.unobserve = config.Map.Observe(binding.onSharedChange)
	binding.initialize()
	return binding
}

func (self *KeyBinding) Origin() Id {
	return self.origin
}

// runs once per binding
func (self *KeyBinding) initialize() {
	self.stateLock.Lock()
	if self.initialized {
		self.stateLock.Unlock()
		return
	}
	self.initialized = true
	self.stateLock.Unlock()

	remoteValue, hasRemote := self.ymap.Get(self.key)
	localValue, hasLocal := self.store.Value(self.key)

	if hasRemote {
		// the room has state, it wins over whatever this client had
		glog.V(1).Infof("[%s.%s]hydrating store from shared\n", self.ymap.Name(), self.key)
		if err := self.store.SetValue(self.key, remoteValue); err != nil {
			glog.Infof("[%s.%s]hydrate error = %s\n", self.ymap.Name(), self.key, err)
		}
	} else if hasLocal {
		glog.V(1).Infof("[%s.%s]seeding shared from store\n", self.ymap.Name(), self.key)
		self.write(localValue)
	}
}

// Writes the store's current value, not `next`. Notifications of concurrent store
// mutations can arrive out of order, and a stale `next` would overwrite a newer map value.
func (self *KeyBinding) onLocalChange(next any, prev any) {
	if DeepEqual(next, prev) {
		return
	}
	value, ok := self.store.Value(self.key)
	if !ok {
		return
	}
	if current, ok := self.ymap.Get(self.key); ok && DeepEqual(current, value) {
		// the store caught up with the map, e.g. applying a hydrate or a remote change
		return
	}
	self.log("Z->Y local change")
	self.write(value)
}

func (self *KeyBinding) write(value any) {
	if err := self.ymap.SetWithOrigin(self.key, value, self.origin); err != nil {
		// the session that owned the map is gone or the value cannot be encoded
		glog.Infof("[%s.%s]write dropped = %s\n", self.ymap.Name(), self.key, err)
	}
}

func (self *KeyBinding) onSharedChange(event *crdt.MapEvent, txn *crdt.Transaction) {
	if txn.Origin == any(self.origin) {
		self.log("Y->Z skipping echo")
		return
	}
	if !event.HasKey(self.key) {
		return
	}

	value, ok := self.ymap.Get(self.key)
	if !ok {
		return
	}
	self.log("Y->Z remote change")
	if err := self.store.SetValue(self.key, value); err != nil {
		glog.Infof("[%s.%s]store update error = %s\n", self.ymap.Name(), self.key, err)
		return
	}
	if self.onSync != nil {
		HandleError(self.onSync)
	}
}

// Removes the store subscription and the map observer. Safe to call more than once.
func (self *KeyBinding) Unbind() {
	self.unbindOnce.Do(func() {
		self.unsubscribe()
		self.unobserve()
	})
}

type multiBinding struct {
	bindings []Binding
}

// binds each key of `store` to the same key of `ymap`
func BindMultipleKeys(store KeyValueStore, ymap *crdt.Map, keys []string, onSync func()) Binding {
	bindings := []Binding{}
	for _, key := range keys {
		bindings = append(bindings, BindStoreKey(KeyBindingConfig{
			Store:  store,
			Map:    ymap,
			Key:    key,
			OnSync: onSync,
		}))
	}
	return &multiBinding{
		bindings: bindings,
	}
}

func (self *multiBinding) Unbind() {
	for _, binding := range self.bindings {
		binding.Unbind()
	}
}

/*
Binds a store key holding a record (id -> value) to a whole shared map, one map entry per record entry.
Concurrent changes to different entries of the record merge instead of overwriting each other.
1. Store -> map: write changed entries and delete removed entries in one transaction under the binding's origin
2. Map -> store: on a map change with any other origin, overwrite the store key with the map contents
3. Initial: if the map has any entry, deleted entries included, hydrate the store from the map;
   else seed the map from the store
*/
type EntriesBinding struct {
	store  KeyValueStore
	ymap   *crdt.Map
	key    string
	onSync func()
	origin Id
	log    LogFunction

	stateLock   sync.Mutex
	initialized bool

	unsubscribe func()
	unobserve   func()
	unbindOnce  sync.Once
}

func BindStoreEntries(config KeyBindingConfig) *EntriesBinding {
	binding := &EntriesBinding{
		store:  config.Store,
		ymap:   config.Map,
		key:    config.Key,
		onSync: config.OnSync,
		origin: NewId(),
		log:    LogFn(2, fmt.Sprintf("[%s.*%s]", config.Map.Name(), config.Key)),
	}
	binding.unsubscribe = config.Store.Subscribe(config.Key, binding.onLocalChange)
	binding.unobserve = config.Map.Observe(binding.onSharedChange)
	binding.initialize()
	return binding
}

func (self *EntriesBinding) initialize() {
	self.stateLock.Lock()
	if self.initialized {
		self.stateLock.Unlock()
		return
	}
	self.initialized = true
	self.stateLock.Unlock()

	localValue, hasLocal := self.store.Value(self.key)

	// a map whose entries were all deleted is still room state, an empty record
	if self.ymap.HasEntries() {
		glog.V(1).Infof("[%s.*%s]hydrating store from shared\n", self.ymap.Name(), self.key)
		if err := self.store.SetValue(self.key, self.ymap.ToMap()); err != nil {
			glog.Infof("[%s.*%s]hydrate error = %s\n", self.ymap.Name(), self.key, err)
		}
	} else if hasLocal {
		glog.V(1).Infof("[%s.*%s]seeding shared from store\n", self.ymap.Name(), self.key)
		self.write(localValue)
	}
}

// writes the store's current value, see `KeyBinding.onLocalChange`
func (self *EntriesBinding) onLocalChange(next any, prev any) {
	if DeepEqual(next, prev) {
		return
	}
	value, ok := self.store.Value(self.key)
	if !ok {
		return
	}
	self.log("Z->Y local change")
	self.write(value)
}

// writes only the entries that differ from the map
func (self *EntriesBinding) write(value any) {
	entries, _ := value.(map[string]any)

	entryKeys := make([]string, 0, len(entries))
	for entryKey := range entries {
		entryKeys = append(entryKeys, entryKey)
	}
	sort.Strings(entryKeys)

	err := self.ymap.Doc().Transact(self.origin, func(txn *crdt.Transaction) {
		for _, entryKey := range entryKeys {
			entry := entries[entryKey]
			if current, ok := self.ymap.Get(entryKey); !ok || !DeepEqual(current, entry) {
				txn.Set(self.ymap, entryKey, entry)
			}
		}
		for _, entryKey := range self.ymap.Keys() {
			if _, ok := entries[entryKey]; !ok {
				txn.Delete(self.ymap, entryKey)
			}
		}
	})
	if err != nil {
		glog.Infof("[%s.*%s]write dropped = %s\n", self.ymap.Name(), self.key, err)
	}
}

func (self *EntriesBinding) onSharedChange(event *crdt.MapEvent, txn *crdt.Transaction) {
	if txn.Origin == any(self.origin) {
		self.log("Y->Z skipping echo")
		return
	}

	self.log("Y->Z remote change %v", event.KeysChanged)
	if err := self.store.SetValue(self.key, self.ymap.ToMap()); err != nil {
		glog.Infof("[%s.*%s]store update error = %s\n", self.ymap.Name(), self.key, err)
		return
	}
	if self.onSync != nil {
		HandleError(self.onSync)
	}
}

func (self *EntriesBinding) Unbind() {
	self.unbindOnce.Do(func() {
		self.unsubscribe()
		self.unobserve()
	})
}
