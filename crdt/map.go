package crdt

import (
	"encoding/json"
	"sort"
)

type MapEvent struct {
	Map         *Map
	KeysChanged []string
}

func (self *MapEvent) HasKey(key string) bool {
	i := sort.SearchStrings(self.KeysChanged, key)
	return i < len(self.KeysChanged) && self.KeysChanged[i] == key
}

type ObserveFunction func(event *MapEvent, txn *Transaction)

// a named top level map of a `Doc`. Values are plain data (anything that round trips through json).
type Map struct {
	doc  *Doc
	name string

	// guarded by doc.stateLock
	entries   map[string]*Entry
	observers map[uint64]ObserveFunction
}

func (self *Map) Doc() *Doc {
	return self.doc
}

func (self *Map) Name() string {
	return self.name
}

// returns a fresh decoded copy of the value
func (self *Map) Get(key string) (any, bool) {
	self.doc.stateLock.Lock()
	entry, ok := self.entries[key]
	var valueBytes json.RawMessage
	if ok && !entry.Deleted {
		valueBytes = entry.Value
	}
	self.doc.stateLock.Unlock()

	if valueBytes == nil {
		return nil, false
	}
	var value any
	if err := json.Unmarshal(valueBytes, &value); err != nil {
		return nil, false
	}
	return value, true
}

func (self *Map) Has(key string) bool {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	entry, ok := self.entries[key]
	return ok && !entry.Deleted
}

func (self *Map) Keys() []string {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	keys := make([]string, 0, len(self.entries))
	for key, entry := range self.entries {
		if !entry.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// true once any key was written, including keys that were deleted since
func (self *Map) HasEntries() bool {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	return 0 < len(self.entries)
}

func (self *Map) Len() int {
	return len(self.Keys())
}

func (self *Map) ToMap() map[string]any {
	values := map[string]any{}
	for _, key := range self.Keys() {
		if value, ok := self.Get(key); ok {
			values[key] = value
		}
	}
	return values
}

func (self *Map) Set(key string, value any) error {
	return self.SetWithOrigin(key, value, nil)
}

func (self *Map) SetWithOrigin(key string, value any, origin any) error {
	return self.doc.Transact(origin, func(txn *Transaction) {
		txn.Set(self, key, value)
	})
}

func (self *Map) Delete(key string) error {
	return self.doc.Transact(nil, func(txn *Transaction) {
		txn.Delete(self, key)
	})
}

// `observer` is called after every transaction that changes at least one key of this map
func (self *Map) Observe(observer ObserveFunction) (unobserve func()) {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	if self.doc.destroyed {
		return func() {}
	}
	self.doc.nextCallbackId += 1
	observerId := self.doc.nextCallbackId
	self.observers[observerId] = observer
	return func() {
		self.doc.stateLock.Lock()
		defer self.doc.stateLock.Unlock()
		delete(self.observers, observerId)
	}
}

func (self *Map) observersSnapshot() []ObserveFunction {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	observerIds := make([]uint64, 0, len(self.observers))
	for observerId := range self.observers {
		observerIds = append(observerIds, observerId)
	}
	sort.Slice(observerIds, func(i int, j int) bool {
		return observerIds[i] < observerIds[j]
	})
	observers := make([]ObserveFunction, 0, len(observerIds))
	for _, observerId := range observerIds {
		observers = append(observers, self.observers[observerId])
	}
	return observers
}
