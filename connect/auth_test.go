package connect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

type testTokenServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	hits      int
	status    int
	token     func(hit int) string
}

func newTestTokenServer(t *testing.T) *testTokenServer {
	tokenServer := &testTokenServer{
		status: http.StatusOK,
		token: func(hit int) string {
			return fmt.Sprintf("token-%d", hit)
		},
	}
	tokenServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/token" {
			http.NotFound(w, r)
			return
		}
		tokenServer.stateLock.Lock()
		tokenServer.hits += 1
		hit := tokenServer.hits
		status := tokenServer.status
		token := tokenServer.token(hit)
		tokenServer.stateLock.Unlock()

		w.WriteHeader(status)
		// trailing whitespace is trimmed by the client
		fmt.Fprintf(w, "%s\n", token)
	}))
	t.Cleanup(tokenServer.server.Close)
	return tokenServer
}

func (self *testTokenServer) Hits() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hits
}

func TestTokenCache(t *testing.T) {
	ctx := context.Background()
	tokenServer := newTestTokenServer(t)

	clock := clockwork.NewFakeClockAt(time.Now())
	settings := DefaultTokenSourceSettings()
	settings.Clock = clock
	tokens := NewTokenSource(tokenServer.server.URL+"/", settings)

	token, err := tokens.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "token-1")

	token, err = tokens.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "token-1")
	assert.Equal(t, tokenServer.Hits(), 1)

	// 55m cache, refreshed within 60s of expiry
	clock.Advance(53 * time.Minute)
	token, err = tokens.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "token-1")

	clock.Advance(90 * time.Second)
	token, err = tokens.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "token-2")
	assert.Equal(t, tokenServer.Hits(), 2)

	tokens.Invalidate()
	token, err = tokens.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "token-3")
}

func TestTokenCacheCappedByJwtExpiry(t *testing.T) {
	ctx := context.Background()
	tokenServer := newTestTokenServer(t)

	now := time.Now()
	clock := clockwork.NewFakeClockAt(now)
	tokenServer.token = func(hit int) string {
		claims := gojwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", hit),
			ExpiresAt: gojwt.NewNumericDate(now.Add(10 * time.Minute)),
		}
		token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test"))
		if err != nil {
			panic(err)
		}
		return token
	}

	settings := DefaultTokenSourceSettings()
	settings.Clock = clock
	tokens := NewTokenSource(tokenServer.server.URL, settings)

	token, err := tokens.Token(ctx)
	assert.Equal(t, err, nil)
	roomJwt, err := ParseRoomJwtUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, roomJwt.Subject, "1")

	clock.Advance(8 * time.Minute)
	_, err = tokens.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, tokenServer.Hits(), 1)

	// within the refresh margin of the jwt expiry
	clock.Advance(90 * time.Second)
	_, err = tokens.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, tokenServer.Hits(), 2)
}

func TestTokenError(t *testing.T) {
	ctx := context.Background()
	tokenServer := newTestTokenServer(t)
	tokenServer.status = http.StatusServiceUnavailable

	tokens := NewTokenSourceWithDefaults(tokenServer.server.URL)
	_, err := tokens.Token(ctx)
	assert.NotEqual(t, err, nil)

	tokenServer.stateLock.Lock()
	tokenServer.status = http.StatusOK
	tokenServer.token = func(hit int) string {
		return ""
	}
	tokenServer.stateLock.Unlock()
	_, err = tokens.Token(ctx)
	assert.NotEqual(t, err, nil)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = tokens.Token(cancelCtx)
	assert.NotEqual(t, err, nil)
}
