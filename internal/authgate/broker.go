// Package authgate handles registration, login, MFA and token lifecycle.
// Tokens are HMAC-SHA256 signed claim blobs; every issued token also has a
// session row keyed by its hash, so revocation is final even within the
// signature's validity window.
package authgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/mallquest/backend/internal/core"
)

// Token kinds.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Claims is the signed payload of a token.
type Claims struct {
	SessionID string    `json:"sid"`
	ChainID   string    `json:"cid"`
	TenantID  string    `json:"tnt"`
	UserID    string    `json:"uid"`
	Role      core.Role `json:"role"`
	Kind      string    `json:"kind"`
	IssuedAt  int64     `json:"iat"`
	ExpiresAt int64     `json:"exp"`
	Issuer    string    `json:"iss"`
}

// BrokerConfig configures the token broker.
type BrokerConfig struct {
	Secret string
	// PreviousSecret stays valid for the rotation grace period so that
	// tokens signed before a rotation keep working.
	PreviousSecret      string
	RotationGracePeriod time.Duration
	Issuer              string
}

// Broker signs and verifies tokens. Revocation state lives in the session
// store, not here; the broker is purely cryptographic.
type Broker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	issuer     string
}

// NewBroker creates a token broker.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Issuer == "" {
		cfg.Issuer = "mallquest-gateway"
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousSecret != "" {
		prevSecret = []byte(cfg.PreviousSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &Broker{
		secret:     []byte(cfg.Secret),
		prevSecret: prevSecret,
		graceUntil: graceUntil,
		issuer:     cfg.Issuer,
	}
}

// Issue signs the claims. Token = base64(claims) + "." + base64(signature).
func (b *Broker) Issue(claims *Claims) (string, error) {
	claims.Issuer = b.issuer
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", core.Wrap(core.KindFatal, "serialize token claims", err)
	}

	b.mu.RLock()
	sig := sign(b.secret, claimsJSON)
	b.mu.RUnlock()

	return base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the signature and expiry. The current key is tried first,
// then the previous key while the rotation grace window is open.
func (b *Broker) Verify(tokenStr string) (*Claims, error) {
	parts := splitToken(tokenStr)
	if len(parts) != 2 {
		return nil, core.E(core.KindUnauthenticated, "invalid token format")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, core.E(core.KindUnauthenticated, "invalid token encoding")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, core.E(core.KindUnauthenticated, "invalid signature encoding")
	}

	b.mu.RLock()
	valid := hmac.Equal(sig, sign(b.secret, claimsJSON))
	if !valid && len(b.prevSecret) > 0 && time.Now().Before(b.graceUntil) {
		valid = hmac.Equal(sig, sign(b.prevSecret, claimsJSON))
	}
	b.mu.RUnlock()

	if !valid {
		return nil, core.E(core.KindUnauthenticated, "invalid token signature")
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, core.E(core.KindUnauthenticated, "invalid token claims")
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, core.E(core.KindUnauthenticated, "token expired")
	}
	return &claims, nil
}

// RotateKey atomically rotates the signing secret. The previous key remains
// valid for the grace period.
func (b *Broker) RotateKey(newSecret string, grace time.Duration) {
	if grace == 0 {
		grace = 24 * time.Hour
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prevSecret = b.secret
	b.graceUntil = time.Now().Add(grace)
	b.secret = []byte(newSecret)
}

// TokenHash is the session-store key for a token. Only the hash is ever
// persisted.
func TokenHash(tokenStr string) string {
	sum := sha256.Sum256([]byte(tokenStr))
	return hex.EncodeToString(sum[:])
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
