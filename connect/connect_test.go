package connect

import (
	"errors"
	"flag"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/oklog/ulid/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestId(t *testing.T) {
	seen := map[Id]bool{}
	for range 1024 {
		id := NewId()
		assert.Equal(t, seen[id], false)
		seen[id] = true

		parsed, err := ulid.ParseStrict(id.String())
		assert.Equal(t, err, nil)
		assert.Equal(t, Id(parsed), id)
	}
}

func TestRoomId(t *testing.T) {
	seen := map[string]bool{}
	for range 1024 {
		roomId := NewRoomId()
		assert.Equal(t, len(roomId), RoomIdLength)
		assert.Equal(t, strings.ToUpper(roomId), roomId)

		parsed, err := ParseRoomId(roomId)
		assert.Equal(t, err, nil)
		assert.Equal(t, parsed, roomId)

		// a human may type it lower case with spaces around
		parsed, err = ParseRoomId(" " + strings.ToLower(roomId) + "\n")
		assert.Equal(t, err, nil)
		assert.Equal(t, parsed, roomId)

		seen[roomId] = true
	}
	// 30 bits of entropy per id
	assert.Equal(t, 1000 < len(seen), true)

	for _, invalid := range []string{"", "   ", "ABC12", "ABC1234", "ABC-12", "ABCIL0", "ABCU12"} {
		_, err := ParseRoomId(invalid)
		assert.Equal(t, errors.Is(err, ErrInvalidRoomId), true)
	}
}

func TestRoomUrl(t *testing.T) {
	wsUrl, err := roomUrl("https://relay.example.com/rooms", "ABC123", "t0k+n")
	assert.Equal(t, err, nil)
	assert.Equal(t, wsUrl, "wss://relay.example.com/rooms/ABC123?yauth=t0k%2Bn")

	wsUrl, err = roomUrl("ws://localhost:8080/rooms/", "ABC123", "t")
	assert.Equal(t, err, nil)
	assert.Equal(t, wsUrl, "ws://localhost:8080/rooms/ABC123?yauth=t")

	_, err = roomUrl("ftp://relay.example.com", "ABC123", "t")
	assert.NotEqual(t, err, nil)
}

func TestDeepEqual(t *testing.T) {
	a := map[string]any{
		"catalog": []any{
			map[string]any{"id": "x", "cost": float64(3)},
		},
	}
	b := map[string]any{
		"catalog": []any{
			map[string]any{"id": "x", "cost": float64(3)},
		},
	}
	assert.Equal(t, DeepEqual(a, b), true)

	b["catalog"] = append(b["catalog"].([]any), "y")
	assert.Equal(t, DeepEqual(a, b), false)

	assert.Equal(t, DeepEqual(nil, nil), true)
	assert.Equal(t, DeepEqual(nil, []any{}), false)
	assert.Equal(t, DeepEqual(float64(5), float64(5)), true)
	assert.Equal(t, DeepEqual(5, float64(5)), false)

	type hidden struct {
		x int
	}
	// cmp cannot compare unexported fields
	assert.Equal(t, DeepEqual(hidden{1}, hidden{1}), false)
}
