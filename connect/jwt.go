package connect

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Claims the client reads from a room token. The relay is the only party that verifies the signature.
type RoomJwt struct {
	Subject   string
	ExpiresAt time.Time
}

func ParseRoomJwtUnverified(jwt string) (*RoomJwt, error) {
	parser := gojwt.NewParser()
	claims := gojwt.RegisteredClaims{}
	_, _, err := parser.ParseUnverified(jwt, &claims)
	if err != nil {
		return nil, err
	}

	roomJwt := &RoomJwt{
		Subject: claims.Subject,
	}
	if claims.ExpiresAt != nil {
		roomJwt.ExpiresAt = claims.ExpiresAt.Time
	}
	return roomJwt, nil
}
