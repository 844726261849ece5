// ABOUTME: OAuth2 bearer token validation against a JWKS-published key set
// ABOUTME: Key sets are cached with a TTL and concurrent refreshes collapse into one fetch

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harper/mcp-relay/internal/logger"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultJWKSCacheTTL = time.Hour
	DefaultLeeway       = 60 * time.Second
)

type OAuth2Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	CacheTTL   time.Duration
	Leeway     time.Duration
	HTTPClient *http.Client
}

// KeySetProvider supplies verification keys.
type KeySetProvider interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	set     jwk.Set
	fetched time.Time
	group   singleflight.Group
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSCache{url: url, ttl: ttl, client: client, now: time.Now}
}

// KeySet returns the cached set while it is fresh. A failed refresh falls back to the
// stale set when there is one.
func (c *JWKSCache) KeySet(ctx context.Context) (jwk.Set, error) {
	if set, ok := c.fresh(); ok {
		return set, nil
	}

	v, err, _ := c.group.Do(c.url, func() (interface{}, error) {
		if set, ok := c.fresh(); ok {
			return set, nil
		}

		set, err := jwk.Fetch(ctx, c.url, jwk.WithHTTPClient(c.client))
		if err != nil {
			c.mu.RLock()
			stale := c.set
			c.mu.RUnlock()
			if stale != nil {
				logger.Warn("JWKS refresh from %s failed, using cached keys: %v", c.url, err)
				return stale, nil
			}
			return nil, fmt.Errorf("fetch JWKS from %s: %w", c.url, err)
		}

		c.mu.Lock()
		c.set = set
		c.fetched = c.now()
		c.mu.Unlock()
		logger.Debug("fetched JWKS from %s (%d keys)", c.url, set.Len())
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

func (c *JWKSCache) fresh() (jwk.Set, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.set != nil && c.now().Sub(c.fetched) < c.ttl {
		return c.set, true
	}
	return nil, false
}

type OAuth2Authenticator struct {
	cfg  OAuth2Config
	keys KeySetProvider
	now  func() time.Time
}

// NewOAuth2Authenticator validates tokens with keys from provider, or from a JWKSCache
// over cfg.JWKSURL when provider is nil.
func NewOAuth2Authenticator(cfg OAuth2Config, provider KeySetProvider) *OAuth2Authenticator {
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}
	if provider == nil {
		provider = NewJWKSCache(cfg.JWKSURL, cfg.CacheTTL, cfg.HTTPClient)
	}
	return &OAuth2Authenticator{cfg: cfg, keys: provider, now: time.Now}
}

func (a *OAuth2Authenticator) Authenticate(ctx context.Context, creds Credentials) (*Context, error) {
	if !creds.Present() {
		return nil, ErrMissingCredentials
	}
	if creds.Kind != BearerToken {
		return nil, invalid("OAuth2 requires a bearer token", nil)
	}

	set, err := a.keys.KeySet(ctx)
	if err != nil {
		// No keys means nothing can be verified; fail closed.
		return nil, invalid("token verification keys are unavailable", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(a.cfg.Leeway),
		jwt.WithClock(jwt.ClockFunc(a.now)),
		jwt.WithRequiredClaim("exp"),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	token, err := jwt.ParseString(creds.Token, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, &Error{Kind: KindExpired, Reason: "bearer token has expired", Err: err}
		}
		return nil, invalid("bearer token failed validation", err)
	}

	if token.Subject() == "" {
		return nil, invalid("bearer token has no subject", nil)
	}

	return NewContext(token.Subject(), MethodOAuth2, scopesFromToken(token)...), nil
}

// scopesFromToken reads the space-separated "scope" claim, falling back to a "scopes" or
// "scp" array.
func scopesFromToken(token jwt.Token) []string {
	if v, ok := token.Get("scope"); ok {
		if s, ok := v.(string); ok {
			return strings.Fields(s)
		}
	}

	for _, name := range []string{"scopes", "scp"} {
		v, ok := token.Get(name)
		if !ok {
			continue
		}
		switch list := v.(type) {
		case []interface{}:
			out := make([]string, 0, len(list))
			for _, item := range list {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return list
		case string:
			return strings.Fields(list)
		}
	}
	return nil
}
