package connect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// the three named maps of a room document
const (
	GameMapName    = "game"
	MarketMapName  = "market"
	PlayersMapName = "players"
)

const RoomIdLength = 6

// Crockford base32, the alphabet ulid strings are written in
const roomIdAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var ErrInvalidRoomId = errors.New("invalid room id")

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// The room id is both the human facing room code and the transport room name.
// It is the last `RoomIdLength` characters of a fresh ulid, i.e. drawn from the ulid entropy.
func NewRoomId() string {
	id := ulid.Make().String()
	return id[len(id)-RoomIdLength:]
}

// normalizes a human entered room code and validates it
func ParseRoomId(roomIdStr string) (string, error) {
	roomId := strings.ToUpper(strings.TrimSpace(roomIdStr))
	if len(roomId) != RoomIdLength {
		return "", fmt.Errorf("%w: %q must be %d characters", ErrInvalidRoomId, roomIdStr, RoomIdLength)
	}
	for _, c := range roomId {
		if !strings.ContainsRune(roomIdAlphabet, c) {
			return "", fmt.Errorf("%w: %q has invalid character %q", ErrInvalidRoomId, roomIdStr, c)
		}
	}
	return roomId, nil
}
