package authgate

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/store"
)

// Lockout policy: lockoutThreshold failures within lockoutWindow lock the
// account for lockoutDuration.
const (
	lockoutThreshold = 5
	lockoutWindow    = 15 * time.Minute
	lockoutDuration  = 15 * time.Minute
)

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
}

type lockout struct {
	fails       int
	firstFail   time.Time
	lockedUntil time.Time
}

// Gate is the authentication service.
type Gate struct {
	store      store.Store
	broker     *Broker
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      core.Clock
	logger     *log.Logger

	mu       sync.Mutex
	lockouts map[string]*lockout
}

// NewGate wires the gate.
func NewGate(st store.Store, broker *Broker, accessTTL, refreshTTL time.Duration) *Gate {
	if accessTTL == 0 {
		accessTTL = 24 * time.Hour
	}
	if refreshTTL == 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Gate{
		store:      st,
		broker:     broker,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      core.SystemClock,
		logger:     log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		lockouts:   make(map[string]*lockout),
	}
}

// SetClock overrides time for tests.
func (g *Gate) SetClock(clock core.Clock) { g.clock = clock }

// Register creates a player account. Handles are unique per tenant,
// case-insensitively.
func (g *Gate) Register(ctx context.Context, tenantID, handle, displayName, password, language string) (*core.User, error) {
	handle = strings.TrimSpace(handle)
	if len(handle) < 3 {
		return nil, core.E(core.KindValidation, "handle must be at least 3 characters")
	}
	if err := checkPasswordStrength(password); err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = handle
	}
	if language == "" {
		language = "en"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, core.Wrap(core.KindFatal, "hash password", err)
	}

	now := g.clock()
	u := &core.User{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Handle:            handle,
		DisplayName:       displayName,
		Language:          language,
		PasswordHash:      string(hash),
		Role:              core.RolePlayer,
		Level:             1,
		VIPTier:           core.TierBronze,
		VisitedCategories: make(map[string]bool),
		Version:           1,
		CreatedAt:         now,
		LastActive:        now,
	}
	if err := g.store.CreateUser(ctx, u); err != nil {
		if core.IsKind(err, core.KindConflict) {
			return nil, core.E(core.KindConflict, "handle already registered")
		}
		return nil, err
	}
	g.logger.Printf("registered user tenant=%s handle=%s", tenantID, handle)
	return u, nil
}

// Login authenticates a handle/password pair, plus an MFA code when the
// account has MFA enabled, and issues a token pair.
func (g *Gate) Login(ctx context.Context, tenantID, handle, password, mfaCode, ip, userAgent string) (*TokenPair, *core.User, error) {
	key := tenantID + "|" + strings.ToLower(handle)
	if until, locked := g.lockedUntil(key); locked {
		g.logger.Printf("SECURITY login rejected, account locked tenant=%s handle=%s until=%s",
			tenantID, handle, until.Format(time.RFC3339))
		return nil, nil, &core.Error{
			Kind:              core.KindForbidden,
			Message:           "account temporarily locked",
			RetryAfterSeconds: int(time.Until(until).Seconds()) + 1,
		}
	}

	u, err := g.store.FindUserByHandle(ctx, tenantID, handle)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			g.recordFailure(key)
			return nil, nil, core.E(core.KindUnauthenticated, "invalid credentials")
		}
		return nil, nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		g.recordFailure(key)
		g.logger.Printf("SECURITY failed login tenant=%s handle=%s ip=%s", tenantID, handle, ip)
		return nil, nil, core.E(core.KindUnauthenticated, "invalid credentials")
	}

	if u.MFAEnabled {
		if mfaCode == "" {
			return nil, nil, core.E(core.KindUnauthenticated, "mfa code required")
		}
		if err := g.verifySecondFactor(ctx, u, mfaCode); err != nil {
			g.recordFailure(key)
			g.logger.Printf("SECURITY failed mfa tenant=%s handle=%s ip=%s", tenantID, handle, ip)
			return nil, nil, err
		}
	}

	g.clearFailures(key)

	pair, err := g.issuePair(ctx, u, uuid.NewString(), ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return pair, u, nil
}

// issuePair mints an access and a refresh token on the same chain and
// records a session row for each.
func (g *Gate) issuePair(ctx context.Context, u *core.User, chainID, ip, userAgent string) (*TokenPair, error) {
	now := g.clock()

	access, accessSess, err := g.mint(u, chainID, KindAccess, now, now.Add(g.accessTTL), ip, userAgent)
	if err != nil {
		return nil, err
	}
	refresh, refreshSess, err := g.mint(u, chainID, KindRefresh, now, now.Add(g.refreshTTL), ip, userAgent)
	if err != nil {
		return nil, err
	}

	if err := g.store.RecordSession(ctx, accessSess); err != nil {
		return nil, err
	}
	if err := g.store.RecordSession(ctx, refreshSess); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessSess.ExpiresAt.Unix(),
		RefreshExpiresAt: refreshSess.ExpiresAt.Unix(),
	}, nil
}

func (g *Gate) mint(u *core.User, chainID, kind string, issued, expires time.Time, ip, userAgent string) (string, *core.Session, error) {
	sessionID := uuid.NewString()
	token, err := g.broker.Issue(&Claims{
		SessionID: sessionID,
		ChainID:   chainID,
		TenantID:  u.TenantID,
		UserID:    u.ID,
		Role:      u.Role,
		Kind:      kind,
		IssuedAt:  issued.Unix(),
		ExpiresAt: expires.Unix(),
	})
	if err != nil {
		return "", nil, err
	}
	return token, &core.Session{
		ID:        sessionID,
		TenantID:  u.TenantID,
		UserID:    u.ID,
		TokenHash: TokenHash(token),
		ChainID:   chainID,
		Kind:      kind,
		IssuedAt:  issued,
		ExpiresAt: expires,
		IP:        ip,
		UserAgent: userAgent,
	}, nil
}

// Verify authenticates a bearer token: signature, expiry, then the session
// row. A revoked or missing session fails even when the signature is valid.
func (g *Gate) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := g.broker.Verify(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindAccess {
		return nil, core.E(core.KindUnauthenticated, "not an access token")
	}

	sess, err := g.store.GetSession(ctx, TokenHash(tokenStr))
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, core.E(core.KindUnauthenticated, "session not found")
		}
		return nil, err
	}
	if sess.Revoked {
		return nil, core.E(core.KindUnauthenticated, "session revoked")
	}
	if g.clock().After(sess.ExpiresAt) {
		return nil, core.E(core.KindUnauthenticated, "session expired")
	}
	return claims, nil
}

// Refresh rotates a refresh token. Presenting an already-revoked refresh
// token is treated as theft: the whole chain is revoked.
func (g *Gate) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*TokenPair, error) {
	claims, err := g.broker.Verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindRefresh {
		return nil, core.E(core.KindUnauthenticated, "not a refresh token")
	}

	hash := TokenHash(refreshToken)
	sess, err := g.store.GetSession(ctx, hash)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, core.E(core.KindUnauthenticated, "session not found")
		}
		return nil, err
	}
	if sess.Revoked {
		n, _ := g.store.RevokeChain(ctx, sess.ChainID)
		g.logger.Printf("SECURITY refresh token reuse tenant=%s user=%s chain=%s revoked=%d",
			sess.TenantID, sess.UserID, sess.ChainID, n)
		return nil, core.E(core.KindUnauthenticated, "refresh token reuse detected")
	}

	u, err := g.store.LoadUser(ctx, sess.TenantID, sess.UserID)
	if err != nil {
		return nil, err
	}

	// The consumed refresh token dies; the new pair continues the chain.
	if err := g.store.RevokeSession(ctx, hash); err != nil && !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}
	return g.issuePair(ctx, u, sess.ChainID, ip, userAgent)
}

// Logout revokes the presented token and everything on its chain.
func (g *Gate) Logout(ctx context.Context, tokenStr string) error {
	claims, err := g.broker.Verify(tokenStr)
	if err != nil {
		return err
	}
	if err := g.store.RevokeSession(ctx, TokenHash(tokenStr)); err != nil && !core.IsKind(err, core.KindNotFound) {
		return err
	}
	_, err = g.store.RevokeChain(ctx, claims.ChainID)
	return err
}

// ===== LOCKOUT TRACKING =====

func (g *Gate) lockedUntil(key string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lo, ok := g.lockouts[key]
	if !ok {
		return time.Time{}, false
	}
	now := g.clock()
	if now.Before(lo.lockedUntil) {
		return lo.lockedUntil, true
	}
	if now.Sub(lo.firstFail) > lockoutWindow && lo.lockedUntil.IsZero() {
		delete(g.lockouts, key)
	}
	return time.Time{}, false
}

func (g *Gate) recordFailure(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	lo, ok := g.lockouts[key]
	if !ok || now.Sub(lo.firstFail) > lockoutWindow {
		g.lockouts[key] = &lockout{fails: 1, firstFail: now}
		return
	}
	lo.fails++
	if lo.fails >= lockoutThreshold {
		lo.lockedUntil = now.Add(lockoutDuration)
		g.logger.Printf("SECURITY account locked key=%s fails=%d", key, lo.fails)
	}
}

func (g *Gate) clearFailures(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lockouts, key)
}

// checkPasswordStrength requires length 8+ with upper, lower, digit and
// symbol classes present.
func checkPasswordStrength(password string) error {
	if len(password) < 8 {
		return core.E(core.KindValidation, "password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSymbol {
		return core.E(core.KindValidation,
			"password needs upper case, lower case, a digit and a symbol")
	}
	return nil
}
