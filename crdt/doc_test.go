package crdt

import (
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestConvergenceIndependentOfOrder(t *testing.T) {
	a := NewDocWithClientId("a")
	b := NewDocWithClientId("b")

	var updates []*Update
	a.OnUpdate(func(update *Update, origin any) {
		updates = append(updates, update)
	})
	b.OnUpdate(func(update *Update, origin any) {
		updates = append(updates, update)
	})

	a.GetMap("game").Set("turn", 1)
	b.GetMap("game").Set("turn", 2)
	a.GetMap("game").Set("turn", 3)
	b.GetMap("market").Set("catalog", []any{"x"})

	forward := NewDocWithClientId("c")
	for _, update := range updates {
		assert.Equal(t, forward.ApplyUpdate(update, nil), nil)
	}
	reverse := NewDocWithClientId("d")
	for i := len(updates) - 1; 0 <= i; i -= 1 {
		assert.Equal(t, reverse.ApplyUpdate(updates[i], nil), nil)
	}

	assert.Equal(t, forward.GetMap("game").ToMap(), reverse.GetMap("game").ToMap())
	assert.Equal(t, forward.GetMap("market").ToMap(), reverse.GetMap("market").ToMap())

	turn, ok := forward.GetMap("game").Get("turn")
	assert.Equal(t, ok, true)
	assert.Equal(t, turn, float64(3))
}

func TestConcurrentWriteTieBreak(t *testing.T) {
	a := NewDocWithClientId("a")
	b := NewDocWithClientId("b")

	var fromA *Update
	var fromB *Update
	a.OnUpdate(func(update *Update, origin any) {
		fromA = update
	})
	b.OnUpdate(func(update *Update, origin any) {
		fromB = update
	})

	// same lamport clock on both sides, the larger client id wins
	a.GetMap("game").Set("turn", "a")
	b.GetMap("game").Set("turn", "b")

	a.ApplyUpdate(fromB, nil)
	b.ApplyUpdate(fromA, nil)

	va, _ := a.GetMap("game").Get("turn")
	vb, _ := b.GetMap("game").Get("turn")
	assert.Equal(t, va, "b")
	assert.Equal(t, vb, "b")
}

func TestObserverSeesOrigin(t *testing.T) {
	doc := NewDoc()
	m := doc.GetMap("game")

	origin := &struct{}{}
	var origins []any
	var keys [][]string
	unobserve := m.Observe(func(event *MapEvent, txn *Transaction) {
		origins = append(origins, txn.Origin)
		keys = append(keys, event.KeysChanged)
	})

	m.SetWithOrigin("turn", 5, origin)
	doc.Transact("other", func(txn *Transaction) {
		txn.Set(m, "b", 1)
		txn.Set(m, "a", 2)
	})
	assert.Equal(t, len(origins), 2)
	assert.Equal(t, origins[0] == any(origin), true)
	assert.Equal(t, origins[1], "other")
	assert.Equal(t, keys[1], []string{"a", "b"})

	unobserve()
	unobserve()
	m.Set("turn", 6)
	assert.Equal(t, len(origins), 2)
}

func TestStaleUpdateIsNotObserved(t *testing.T) {
	a := NewDocWithClientId("a")
	var first *Update
	remove := a.OnUpdate(func(update *Update, origin any) {
		if first == nil {
			first = update
		}
	})
	a.GetMap("game").Set("turn", 1)
	remove()
	a.GetMap("game").Set("turn", 2)

	b := NewDocWithClientId("b")
	b.ApplyUpdate(a.EncodeStateAsUpdate(StateVector{}), nil)

	observed := 0
	b.GetMap("game").Observe(func(event *MapEvent, txn *Transaction) {
		observed += 1
	})
	b.ApplyUpdate(first, nil)
	assert.Equal(t, observed, 0)

	turn, _ := b.GetMap("game").Get("turn")
	assert.Equal(t, turn, float64(2))
}

func TestEncodeStateAsUpdate(t *testing.T) {
	a := NewDocWithClientId("a")
	m := a.GetMap("market")
	m.Set("x", 1)
	m.Set("y", 2)

	stateVector := a.StateVector()
	assert.Equal(t, stateVector["a"], uint64(2))

	m.Set("z", 3)
	update := a.EncodeStateAsUpdate(stateVector)
	assert.Equal(t, len(update.Entries), 1)
	assert.Equal(t, update.Entries[0].Key, "z")

	assert.Equal(t, len(a.EncodeStateAsUpdate(StateVector{}).Entries), 3)
}

func TestDeleteAndSchemaIdempotence(t *testing.T) {
	doc := NewDoc()
	m := doc.GetMap("players")
	assert.Equal(t, doc.GetMap("players") == m, true)
	assert.Equal(t, doc.HasMap("players"), true)
	assert.Equal(t, doc.HasMap("market"), false)

	assert.Equal(t, m.HasEntries(), false)
	m.Set("p1", map[string]any{"name": "ann"})
	assert.Equal(t, m.Keys(), []string{"p1"})
	m.Delete("p1")
	assert.Equal(t, m.Has("p1"), false)
	assert.Equal(t, m.Len(), 0)
	// the deleted key is still an entry
	assert.Equal(t, m.HasEntries(), true)
	_, ok := m.Get("p1")
	assert.Equal(t, ok, false)
}

func TestDestroy(t *testing.T) {
	doc := NewDoc()
	m := doc.GetMap("game")
	called := false
	m.Observe(func(event *MapEvent, txn *Transaction) {
		called = true
	})

	doc.Destroy()
	doc.Destroy()
	assert.Equal(t, doc.IsDestroyed(), true)

	err := m.Set("turn", 1)
	assert.Equal(t, errors.Is(err, ErrDestroyed), true)
	assert.Equal(t, called, false)

	err = doc.ApplyUpdate(&Update{Entries: []*Entry{{Map: "game", Key: "turn", Value: []byte("1"), Clock: 1, Client: "x"}}}, nil)
	assert.Equal(t, errors.Is(err, ErrDestroyed), true)
}

func TestUnencodableValue(t *testing.T) {
	doc := NewDoc()
	err := doc.GetMap("game").Set("bad", make(chan int))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, doc.GetMap("game").Has("bad"), false)
}

func TestObserverPanicIsContained(t *testing.T) {
	doc := NewDoc()
	m := doc.GetMap("game")
	m.Observe(func(event *MapEvent, txn *Transaction) {
		panic("observer")
	})
	after := false
	m.Observe(func(event *MapEvent, txn *Transaction) {
		after = true
	})
	assert.Equal(t, m.Set("turn", 1), nil)
	assert.Equal(t, after, true)
}

func TestEntryClockBound(t *testing.T) {
	doc := NewDocWithClientId("a")
	m := doc.GetMap("game")
	assert.Equal(t, m.Set("turn", 1), nil)

	err := doc.ApplyUpdate(&Update{Entries: []*Entry{
		{Map: "game", Key: "turn", Value: []byte("2"), Clock: math.MaxUint64, Client: "x"},
		{Map: "game", Key: "round", Value: []byte("3"), Clock: MaxClock - 1, Client: "y"},
	}}, nil)
	assert.Equal(t, err, nil)

	// the out of range entry is dropped and does not move the clock past the bound
	turn, _ := m.Get("turn")
	assert.Equal(t, turn, float64(1))
	_, ok := doc.StateVector()["x"]
	assert.Equal(t, ok, false)
	round, _ := m.Get("round")
	assert.Equal(t, round, float64(3))

	// the next local write takes the last clock and still wins
	assert.Equal(t, m.Set("turn", 4), nil)
	assert.Equal(t, doc.StateVector()["a"], MaxClock)
	turn, _ = m.Get("turn")
	assert.Equal(t, turn, float64(4))

	// writes past the bound fail instead of wrapping
	err = m.Set("turn", 5)
	assert.Equal(t, errors.Is(err, ErrClockExhausted), true)
	turn, _ = m.Get("turn")
	assert.Equal(t, turn, float64(4))
}
