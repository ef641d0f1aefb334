// auth.go mints and refreshes the JWTs that authenticate REST calls and
// private WebSocket channels.
//
// The exchange issues an API key name plus a PEM-encoded RSA private key.
// Each JWT is signed RS256 with claims {sub, aud, iat, exp, nbf, jti} and a
// short lifetime; the cached token is re-minted once its remaining lifetime
// drops below one minute so a token handed to a subscribe frame is never
// about to expire.
package exchange

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	jwtTTL          = 2 * time.Minute
	jwtRefreshUnder = 60 * time.Second
	jwtAudience     = "retail_rest_api"
)

// Auth holds the API credentials and the cached JWT.
type Auth struct {
	keyName string
	key     *rsa.PrivateKey

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	now func() time.Time // stubbed in tests
}

// NewAuth parses the PEM private key and returns an Auth ready to mint
// tokens. keyName is the full API key resource name.
func NewAuth(keyName, privatePEM string) (*Auth, error) {
	if keyName == "" {
		return nil, errors.New("api key name is empty")
	}
	key, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("parse api secret: %w", err)
	}
	return &Auth{keyName: keyName, key: key, now: time.Now}, nil
}

func parseRSAPrivateKey(privatePEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("invalid private key (no PEM block)")
	}
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA private key")
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// Token returns a JWT with at least a minute of remaining lifetime,
// re-minting if necessary.
func (a *Auth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.refreshLocked(); err != nil {
		return "", err
	}
	return a.token, nil
}

// RefreshJWTIfNeeded re-mints the cached JWT when its remaining lifetime is
// under a minute. Idempotent: a fresh token is left untouched.
func (a *Auth) RefreshJWTIfNeeded() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked()
}

func (a *Auth) refreshLocked() error {
	if a.token != "" && a.tokenExp.Sub(a.now()) >= jwtRefreshUnder {
		return nil
	}
	token, exp, err := a.mint(jwtTTL)
	if err != nil {
		return err
	}
	a.token = token
	a.tokenExp = exp
	return nil
}

func (a *Auth) mint(ttl time.Duration) (string, time.Time, error) {
	now := a.now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": a.keyName,
		"aud": jwtAudience,
		"iat": now.Unix(),
		"exp": exp.Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
		"jti": uuid.New().String(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := t.SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// Remaining returns the cached token's remaining lifetime, zero when no
// token has been minted yet.
func (a *Auth) Remaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		return 0
	}
	d := a.tokenExp.Sub(a.now())
	if d < 0 {
		return 0
	}
	return d
}
