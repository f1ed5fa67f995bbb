package authgate

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/mallquest/backend/internal/core"
)

const backupCodeCount = 10

// MFASetup is returned once at enrollment; the secret and plaintext backup
// codes are never retrievable again.
type MFASetup struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

// SetupMFA enrolls a user: generates a TOTP secret and ten single-use
// backup codes. MFA stays disabled until ConfirmMFA proves the authenticator
// works.
func (g *Gate) SetupMFA(ctx context.Context, tenantID, userID, issuerName string) (*MFASetup, error) {
	u, err := g.store.LoadUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if u.MFAEnabled {
		return nil, core.E(core.KindConflict, "mfa already enabled")
	}
	if issuerName == "" {
		issuerName = "MallQuest"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuerName,
		AccountName: u.Handle,
	})
	if err != nil {
		return nil, core.Wrap(core.KindFatal, "generate totp secret", err)
	}

	plain := make([]string, backupCodeCount)
	hashed := make([]string, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return nil, core.Wrap(core.KindFatal, "generate backup code", err)
		}
		plain[i] = hex.EncodeToString(buf)
		h, err := bcrypt.GenerateFromPassword([]byte(plain[i]), bcrypt.DefaultCost)
		if err != nil {
			return nil, core.Wrap(core.KindFatal, "hash backup code", err)
		}
		hashed[i] = string(h)
	}

	_, err = g.store.ApplyUserDelta(ctx, tenantID, userID, &core.Delta{
		ExpectedVersion: u.Version,
		MFA: &core.MFAChange{
			Secret:      key.Secret(),
			Enabled:     false,
			BackupCodes: hashed,
		},
	}, core.Idempotency{}, nil)
	if err != nil {
		return nil, err
	}

	return &MFASetup{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		BackupCodes: plain,
	}, nil
}

// ConfirmMFA flips MFA on after the user proves possession of the
// authenticator with a valid code.
func (g *Gate) ConfirmMFA(ctx context.Context, tenantID, userID, code string) error {
	u, err := g.store.LoadUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if u.MFASecret == "" {
		return core.E(core.KindValidation, "mfa setup not started")
	}
	if u.MFAEnabled {
		return core.E(core.KindConflict, "mfa already enabled")
	}
	if !g.validTOTP(u.MFASecret, code) {
		return core.E(core.KindUnauthenticated, "invalid mfa code")
	}

	_, err = g.store.ApplyUserDelta(ctx, tenantID, userID, &core.Delta{
		ExpectedVersion: u.Version,
		MFA: &core.MFAChange{
			Secret:      u.MFASecret,
			Enabled:     true,
			BackupCodes: u.BackupCodes,
		},
	}, core.Idempotency{}, nil)
	return err
}

// verifySecondFactor accepts a TOTP code or a single-use backup code.
// A matched backup code is consumed before the login proceeds.
func (g *Gate) verifySecondFactor(ctx context.Context, u *core.User, code string) error {
	if g.validTOTP(u.MFASecret, code) {
		return nil
	}

	for i, hash := range u.BackupCodes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			remaining := make([]string, 0, len(u.BackupCodes)-1)
			remaining = append(remaining, u.BackupCodes[:i]...)
			remaining = append(remaining, u.BackupCodes[i+1:]...)

			_, err := g.store.ApplyUserDelta(ctx, u.TenantID, u.ID, &core.Delta{
				ExpectedVersion: u.Version,
				MFA: &core.MFAChange{
					Secret:      u.MFASecret,
					Enabled:     u.MFAEnabled,
					BackupCodes: remaining,
				},
			}, core.Idempotency{}, nil)
			if err != nil {
				if core.IsKind(err, core.KindConflict) {
					return core.E(core.KindTransient, "login raced another update, retry")
				}
				return err
			}
			g.logger.Printf("SECURITY backup code consumed tenant=%s user=%s remaining=%d",
				u.TenantID, u.ID, len(remaining))
			return nil
		}
	}
	return core.E(core.KindUnauthenticated, "invalid mfa code")
}

// validTOTP checks a code against the secret with one period of clock skew
// in both directions.
func (g *Gate) validTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, g.clock().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
