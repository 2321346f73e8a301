package relay

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var ErrMissingToken = errors.New("missing token")

// Issues and verifies the HS256 room tokens.
// A token authorizes its holder to connect to any room until it expires.
type tokenAuthority struct {
	secret  []byte
	timeout time.Duration
	now     func() time.Time
}

func (self *tokenAuthority) issue() (string, error) {
	now := self.now()
	claims := gojwt.RegisteredClaims{
		Subject:   ulid.Make().String(),
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(self.timeout)),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

// returns the token subject
func (self *tokenAuthority) verify(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", ErrMissingToken
	}
	claims := &gojwt.RegisteredClaims{}
	_, err := gojwt.ParseWithClaims(
		tokenStr,
		claims,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(self.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}
