package roomsync

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessReadWrite
)

func (self AccessLevel) String() string {
	switch self {
	case AccessRead:
		return "read-only"
	case AccessReadWrite:
		return "rw"
	default:
		return "no-access"
	}
}

func parseAccessLevel(access string) AccessLevel {
	switch access {
	case "rw":
		return AccessReadWrite
	case "read-only":
		return AccessRead
	default:
		return AccessNone
	}
}

// UserToken is the verified identity carried in the `yauth-` bearer token.
type UserToken struct {
	UserId string
	Claims gojwt.MapClaims
}

type AuthGateSettings struct {
	// how long a positive permission grant may be served from cache,
	// bounding the external call rate per (room, user)
	PermissionCacheTtl time.Duration
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultAuthGateSettings() *AuthGateSettings {
	return &AuthGateSettings{
		PermissionCacheTtl: 30 * time.Second,
		HttpTimeout:        10 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

// AuthGate verifies bearer tokens against a configured public key and asks
// the external permission service for the caller's room access level.
// Every failure path resolves to no access.
type AuthGate struct {
	publicKey        crypto.PublicKey
	checkPermBaseUrl string

	httpClient *http.Client
	settings   *AuthGateSettings

	stateLock sync.Mutex
	permCache map[string]*permCacheEntry
}

type permCacheEntry struct {
	access     AccessLevel
	expireTime time.Time
}

func NewAuthGateWithDefaults(publicKey crypto.PublicKey, checkPermBaseUrl string) *AuthGate {
	return NewAuthGate(publicKey, checkPermBaseUrl, DefaultAuthGateSettings())
}

func NewAuthGate(publicKey crypto.PublicKey, checkPermBaseUrl string, settings *AuthGateSettings) *AuthGate {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &AuthGate{
		publicKey:        publicKey,
		checkPermBaseUrl: strings.TrimSuffix(checkPermBaseUrl, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
		settings:  settings,
		permCache: map[string]*permCacheEntry{},
	}
}

// ParseAuthPublicKey decodes a PEM-encoded PKIX public key for token
// verification.
func ParseAuthPublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("auth public key is not PEM encoded")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// VerifyToken checks the asymmetric signature and expiry and extracts the
// user id claim. Expired or malformed tokens fail closed.
func (self *AuthGate) VerifyToken(token string) (*UserToken, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			return self.publicKey, nil
		},
		gojwt.WithValidMethods([]string{
			"ES256", "ES384", "ES512",
			"RS256", "RS384", "RS512",
			"EdDSA",
		}),
	)
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrAuthTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", ErrAuthTokenInvalid)
	}
	userId, ok := claims["yuserid"].(string)
	if !ok || userId == "" {
		return nil, fmt.Errorf("%w: missing yuserid claim", ErrAuthTokenInvalid)
	}
	return &UserToken{
		UserId: userId,
		Claims: claims,
	}, nil
}

type permCallbackResult struct {
	Room   string `json:"yroom"`
	UserId string `json:"yuserid"`
	Access string `json:"yaccess"`
}

// CheckPermission resolves the caller's access level for a room via the
// external callback, `GET <base>/<room>/<userId>`. Positive grants are
// cached briefly; callback failure or an unknown response shape is never
// cached and resolves to no access.
func (self *AuthGate) CheckPermission(ctx context.Context, room Room, userId string) AccessLevel {
	cacheKey := fmt.Sprintf("%s/%s", room.Key(), userId)

	self.stateLock.Lock()
	entry, ok := self.permCache[cacheKey]
	if ok && time.Now().Before(entry.expireTime) {
		access := entry.access
		self.stateLock.Unlock()
		return access
	}
	delete(self.permCache, cacheKey)
	self.stateLock.Unlock()

	access := self.checkPermCallback(ctx, room, userId)
	if AccessNone < access {
		self.stateLock.Lock()
		self.permCache[cacheKey] = &permCacheEntry{
			access:     access,
			expireTime: time.Now().Add(self.settings.PermissionCacheTtl),
		}
		self.stateLock.Unlock()
	}
	return access
}

func (self *AuthGate) checkPermCallback(ctx context.Context, room Room, userId string) AccessLevel {
	permUrl := fmt.Sprintf(
		"%s/%s/%s",
		self.checkPermBaseUrl,
		url.PathEscape(room.Name),
		url.PathEscape(userId),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, permUrl, nil)
	if err != nil {
		glog.Infof("[auth]perm request %s error = %s\n", room, err)
		return AccessNone
	}
	res, err := self.httpClient.Do(req)
	if err != nil {
		glog.Infof("[auth]perm callback %s error = %s\n", room, err)
		return AccessNone
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		glog.Infof("[auth]perm callback %s status = %d\n", room, res.StatusCode)
		return AccessNone
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		glog.Infof("[auth]perm callback %s read error = %s\n", room, err)
		return AccessNone
	}
	var result permCallbackResult
	if err := json.Unmarshal(body, &result); err != nil {
		glog.Infof("[auth]perm callback %s decode error = %s\n", room, err)
		return AccessNone
	}
	// reject responses for the wrong subject outright
	if result.Room != room.Name || result.UserId != userId {
		glog.Infof("[auth]perm callback %s subject mismatch\n", room)
		return AccessNone
	}
	return parseAccessLevel(result.Access)
}
