package connect

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	sum := 0
	removeA := callbacks.Add(func(v int) {
		sum += v
	})
	removeB := callbacks.Add(func(v int) {
		sum += 10 * v
	})
	assert.Equal(t, callbacks.Len(), 2)

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, sum, 11)

	removeA()
	removeA()
	assert.Equal(t, callbacks.Len(), 1)

	// a snapshot is not affected by later removes
	snapshot := callbacks.Get()
	removeB()
	assert.Equal(t, callbacks.Len(), 0)
	for _, callback := range snapshot {
		callback(1)
	}
	assert.Equal(t, sum, 21)
}

func TestReconnect(t *testing.T) {
	reconnect := NewReconnect(0)
	select {
	case <-reconnect.After():
	case <-time.After(time.Second):
		t.FailNow()
	}

	reconnect = NewReconnect(50 * time.Millisecond)
	start := time.Now()
	<-reconnect.After()
	assert.Equal(t, 40*time.Millisecond <= time.Since(start), true)
}
