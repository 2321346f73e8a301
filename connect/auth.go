package connect

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

type TokenSourceSettings struct {
	// how long a fetched token is reused. Kept below the server side token lifetime.
	CacheTimeout time.Duration
	// a cached token this close to its expiry is fetched again
	RefreshMargin time.Duration
	Clock         clockwork.Clock
	HttpSettings  *HttpSettings
	// overrides `HttpSettings` when set
	HttpClient *http.Client
}

func DefaultTokenSourceSettings() *TokenSourceSettings {
	return &TokenSourceSettings{
		CacheTimeout:  55 * time.Minute,
		RefreshMargin: 60 * time.Second,
		Clock:         clockwork.NewRealClock(),
		HttpSettings:  DefaultHttpSettings(),
	}
}

// Fetches room tokens from `{authUrl}/auth/token` and caches them.
// The token is opaque to the client except for an optional jwt `exp`, which caps the cache lifetime.
type TokenSource struct {
	authUrl  string
	settings *TokenSourceSettings
	client   *http.Client

	stateLock sync.Mutex
	token     string
	expiry    time.Time
}

func NewTokenSourceWithDefaults(authUrl string) *TokenSource {
	return NewTokenSource(authUrl, DefaultTokenSourceSettings())
}

func NewTokenSource(authUrl string, settings *TokenSourceSettings) *TokenSource {
	client := settings.HttpClient
	if client == nil {
		client = newHttpClient(settings.HttpSettings)
	}
	return &TokenSource{
		authUrl:  strings.TrimSuffix(authUrl, "/"),
		settings: settings,
		client:   client,
	}
}

func (self *TokenSource) Token(ctx context.Context) (string, error) {
	now := self.settings.Clock.Now()

	self.stateLock.Lock()
	if self.token != "" && now.Add(self.settings.RefreshMargin).Before(self.expiry) {
		token := self.token
		self.stateLock.Unlock()
		return token, nil
	}
	self.stateLock.Unlock()

	token, err := getText(ctx, self.client, fmt.Sprintf("%s/auth/token", self.authUrl))
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("failed to fetch token: empty response")
	}

	expiry := now.Add(self.settings.CacheTimeout)
	if roomJwt, err := ParseRoomJwtUnverified(token); err == nil {
		if !roomJwt.ExpiresAt.IsZero() && roomJwt.ExpiresAt.Before(expiry) {
			expiry = roomJwt.ExpiresAt
		}
	} else {
		glog.V(2).Infof("[auth]token is not a jwt, using cache timeout\n")
	}

	self.stateLock.Lock()
	self.token = token
	self.expiry = expiry
	self.stateLock.Unlock()

	return token, nil
}

// forgets the cached token
func (self *TokenSource) Invalidate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = ""
	self.expiry = time.Time{}
}
