package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/core"
)

// ===== POSTGRES SHARD STORE =====

// Postgres is one shard's relational store. The Sharded wrapper composes
// several of these; a single Postgres never sees cross-shard traffic.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenPostgres connects to one shard database and verifies the connection.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, core.Wrap(core.KindFatal, "open database", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindFatal, "ping database", err)
	}

	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// DB exposes the handle for migrations.
func (p *Postgres) DB() *sql.DB { return p.db }

// classify maps driver errors onto the shared taxonomy. Constraint
// violations are conflicts and never retried; serialization failures,
// deadlocks and connection drops are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return ErrDuplicate
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return core.Wrap(core.KindTransient, "database contention", err)
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return core.Wrap(core.KindTransient, "database unavailable", err)
		}
		return core.Wrap(core.KindFatal, "database error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.Wrap(core.KindTransient, "database timeout", err)
	}
	return core.Wrap(core.KindTransient, "database error", err)
}

const maxTxAttempts = 3

// withTx runs fn in a transaction, retrying transient failures with a short
// jittered backoff. Conflicts and validation errors return immediately.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(50*(1<<attempt))*time.Millisecond +
				time.Duration(rand.Intn(50))*time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return classify(ctx.Err())
			}
		}

		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = classify(err)
			if !core.IsKind(lastErr, core.KindTransient) {
				return lastErr
			}
			continue
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			cerr := classify(err)
			if !core.IsKind(cerr, core.KindTransient) {
				return cerr
			}
			lastErr = cerr
			continue
		}

		if err := tx.Commit(); err != nil {
			cerr := classify(err)
			if !core.IsKind(cerr, core.KindTransient) {
				return cerr
			}
			lastErr = cerr
			continue
		}
		return nil
	}
	return lastErr
}

func mustJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}

// ===== USERS =====

const userColumns = `tenant_id, id, handle, display_name, language, password_hash, role,
	mfa_secret, mfa_enabled, backup_codes,
	coins, xp, level, vip_tier, vip_points, achievement_points, social_score,
	total_spent, total_purchases, streak_days, streak_last_day,
	visited_categories, friends, team_id, attributes,
	version, created_at, last_active`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*core.User, error) {
	var (
		u          core.User
		backup     []byte
		visited    []byte
		friends    []byte
		attrs      []byte
		totalSpent string
	)
	err := row.Scan(
		&u.TenantID, &u.ID, &u.Handle, &u.DisplayName, &u.Language, &u.PasswordHash, &u.Role,
		&u.MFASecret, &u.MFAEnabled, &backup,
		&u.Coins, &u.XP, &u.Level, &u.VIPTier, &u.VIPPoints, &u.AchievementPoints, &u.SocialScore,
		&totalSpent, &u.TotalPurchases, &u.Streak.Days, &u.Streak.LastDay,
		&visited, &friends, &u.TeamID, &attrs,
		&u.Version, &u.CreatedAt, &u.LastActive,
	)
	if err != nil {
		return nil, err
	}
	u.TotalSpent, err = decimal.NewFromString(totalSpent)
	if err != nil {
		return nil, err
	}
	json.Unmarshal(backup, &u.BackupCodes)
	json.Unmarshal(visited, &u.VisitedCategories)
	json.Unmarshal(friends, &u.Friends)
	json.Unmarshal(attrs, &u.Attributes)
	if u.VisitedCategories == nil {
		u.VisitedCategories = make(map[string]bool)
	}
	return &u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u *core.User) error {
	version := u.Version
	if version == 0 {
		version = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		u.TenantID, u.ID, u.Handle, u.DisplayName, u.Language, u.PasswordHash, u.Role,
		u.MFASecret, u.MFAEnabled, mustJSON(u.BackupCodes),
		u.Coins, u.XP, u.Level, u.VIPTier, u.VIPPoints, u.AchievementPoints, u.SocialScore,
		u.TotalSpent.StringFixed(2), u.TotalPurchases, u.Streak.Days, u.Streak.LastDay,
		mustJSON(u.VisitedCategories), mustJSON(u.Friends), u.TeamID, mustJSON(u.Attributes),
		version, u.CreatedAt, u.LastActive,
	)
	return classify(err)
}

func (p *Postgres) LoadUser(ctx context.Context, tenantID, userID string) (*core.User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`,
		tenantID, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

func (p *Postgres) FindUserByHandle(ctx context.Context, tenantID, handle string) (*core.User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND lower(handle) = lower($2)`,
		tenantID, handle)
	u, err := scanUser(row)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// ===== DELTA APPLICATION =====

func (p *Postgres) ApplyUserDelta(ctx context.Context, tenantID, userID string, delta *core.Delta, idem core.Idempotency, render RenderFunc) (*DeltaResult, error) {
	var result *DeltaResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		// Replay check first, inside the transaction, so two racing
		// submissions with the same key serialize on the row lock.
		if idem.Key != "" {
			var prevHash string
			var prevResp []byte
			err := tx.QueryRowContext(ctx, `
				SELECT request_hash, response FROM idempotency
				WHERE tenant_id = $1 AND user_id = $2 AND idem_key = $3`,
				tenantID, userID, idem.Key).Scan(&prevHash, &prevResp)
			switch {
			case err == nil:
				if prevHash != idem.RequestHash {
					return ErrIdemConflict
				}
				row := tx.QueryRowContext(ctx,
					`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`,
					tenantID, userID)
				u, err := scanUser(row)
				if err != nil {
					return err
				}
				result = &DeltaResult{User: u, Response: prevResp, Replayed: true}
				return nil
			case errors.Is(err, sql.ErrNoRows):
				// First time through.
			default:
				return err
			}
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			tenantID, userID)
		u, err := scanUser(row)
		if err != nil {
			return err
		}

		if delta.ExpectedVersion != 0 && delta.ExpectedVersion != u.Version {
			return ErrVersionConflict
		}

		applyToUser(u, delta)
		u.Version++
		u.LastActive = time.Now()

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET
				coins = $3, xp = $4, level = $5, vip_tier = $6, vip_points = $7,
				achievement_points = $8, social_score = $9,
				total_spent = $10, total_purchases = $11,
				streak_days = $12, streak_last_day = $13,
				visited_categories = $14, friends = $15,
				mfa_secret = $16, mfa_enabled = $17, backup_codes = $18,
				version = $19, last_active = $20
			WHERE tenant_id = $1 AND id = $2`,
			tenantID, userID,
			u.Coins, u.XP, u.Level, u.VIPTier, u.VIPPoints,
			u.AchievementPoints, u.SocialScore,
			u.TotalSpent.StringFixed(2), u.TotalPurchases,
			u.Streak.Days, u.Streak.LastDay,
			mustJSON(u.VisitedCategories), mustJSON(u.Friends),
			u.MFASecret, u.MFAEnabled, mustJSON(u.BackupCodes),
			u.Version, u.LastActive,
		); err != nil {
			return err
		}

		if err := p.insertDeltaRows(ctx, tx, tenantID, userID, delta); err != nil {
			return err
		}

		var blob []byte
		if render != nil {
			blob = render(u)
		}
		if idem.Key != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency (tenant_id, user_id, idem_key, request_hash, response)
				VALUES ($1,$2,$3,$4,$5)`,
				tenantID, userID, idem.Key, idem.RequestHash, blob); err != nil {
				return err
			}
		}

		result = &DeltaResult{User: u, Response: blob}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyToUser folds the scalar parts of a delta into the locked user row.
// Child-table parts are handled by insertDeltaRows.
func applyToUser(u *core.User, delta *core.Delta) {
	u.Coins += delta.Coins
	u.XP += delta.XP
	u.VIPPoints += delta.VIPPoints
	u.AchievementPoints += delta.AchievementPoints
	u.SocialScore += delta.SocialScore
	u.TotalSpent = u.TotalSpent.Add(delta.SpentDelta)
	u.TotalPurchases += delta.PurchasesDelta

	if delta.SetLevel != 0 {
		u.Level = delta.SetLevel
	}
	if delta.SetVIPTier != "" {
		u.VIPTier = delta.SetVIPTier
	}
	if delta.SetStreak != nil {
		u.Streak = *delta.SetStreak
	}
	if delta.AddVisitedCategory != "" {
		u.VisitedCategories[delta.AddVisitedCategory] = true
	}
	if delta.MFA != nil {
		u.MFASecret = delta.MFA.Secret
		u.MFAEnabled = delta.MFA.Enabled
		u.BackupCodes = append([]string(nil), delta.MFA.BackupCodes...)
	}
	if delta.AddFriend != "" {
		found := false
		for _, f := range u.Friends {
			if f == delta.AddFriend {
				found = true
				break
			}
		}
		if !found {
			u.Friends = append(u.Friends, delta.AddFriend)
		}
	}
}

func (p *Postgres) insertDeltaRows(ctx context.Context, tx *sql.Tx, tenantID, userID string, delta *core.Delta) error {
	if r := delta.Receipt; r != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO receipts (id, tenant_id, user_id, store, category, amount, currency,
				ssid, source, status, idem_key, submitted_at, reward_coins, reward_xp, multipliers, event_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			r.ID, tenantID, userID, r.Store, r.Category, r.Amount.StringFixed(2), r.Currency,
			r.SSID, r.Source, r.Status, r.IdemKey, r.SubmittedAt,
			r.RewardCoins, r.RewardXP, mustJSON(r.Multipliers), r.EventID,
		); err != nil {
			return err
		}
	}

	for _, ms := range delta.NewMissions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO missions (id, tenant_id, user_id, type, template_id, title, category,
				target, min_amount, progress, reward_coins, reward_xp, status, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			ms.ID, tenantID, userID, ms.Type, ms.TemplateID, ms.Title, ms.Category,
			ms.Target, ms.MinAmount.StringFixed(2), ms.Progress,
			ms.RewardCoins, ms.RewardXP, ms.Status, ms.CreatedAt, ms.ExpiresAt,
		); err != nil {
			return err
		}
	}

	for _, mp := range delta.Missions {
		status := string(mp.NewStatus)
		if status == "" {
			status = string(core.MissionActive)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE missions SET progress = progress + $4, status = $5
			WHERE id = $1 AND tenant_id = $2 AND user_id = $3 AND status = 'active'`,
			mp.MissionID, tenantID, userID, mp.Increment, status,
		); err != nil {
			return err
		}
	}

	if delta.ClaimMission != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE missions SET status = 'completed'
			WHERE id = $1 AND tenant_id = $2 AND user_id = $3 AND status = 'ready_to_claim'`,
			delta.ClaimMission, tenantID, userID,
		); err != nil {
			return err
		}
	}

	for _, a := range delta.Achievements {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO achievements (id, tenant_id, user_id, type, name, points, coins, earned_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (tenant_id, user_id, type) DO NOTHING`,
			a.ID, tenantID, userID, a.Type, a.Name, a.Points, a.Coins, a.EarnedAt,
		); err != nil {
			return err
		}
	}

	for _, n := range delta.Notifications {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, tenant_id, user_id, kind, priority, payload, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			n.ID, tenantID, userID, n.Kind, int(n.Priority), mustJSON(n.Payload), n.CreatedAt, n.ExpiresAt,
		); err != nil {
			return err
		}
	}

	for _, fc := range delta.Facilities {
		if f := fc.Create; f != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO facilities (id, tenant_id, user_id, type, level, income_per_hour,
					pending_income, last_collected_at, last_accrued_at, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				f.ID, tenantID, userID, f.Type, f.Level, f.IncomePerHour,
				f.PendingIncome, f.LastCollectedAt, f.LastAccruedAt, f.CreatedAt,
			); err != nil {
				return err
			}
			continue
		}
		if fc.LevelDelta != 0 || fc.SetIncome != 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE facilities SET
					level = level + $4,
					income_per_hour = CASE WHEN $5 > 0 THEN $5 ELSE income_per_hour END
				WHERE id = $1 AND tenant_id = $2 AND user_id = $3`,
				fc.FacilityID, tenantID, userID, fc.LevelDelta, fc.SetIncome,
			); err != nil {
				return err
			}
		}
		if fc.CollectPending {
			if _, err := tx.ExecContext(ctx, `
				UPDATE facilities SET pending_income = 0, last_collected_at = now()
				WHERE id = $1 AND tenant_id = $2 AND user_id = $3`,
				fc.FacilityID, tenantID, userID,
			); err != nil {
				return err
			}
		}
	}

	for _, cc := range delta.Companions {
		if c := cc.Create; c != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO companions (id, tenant_id, user_id, name, type,
					health, happiness, energy, xp, level, shelter_id, last_interaction_at, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
				c.ID, tenantID, userID, c.Name, c.Type,
				c.Stats.Health, c.Stats.Happiness, c.Stats.Energy, c.Stats.XP, c.Stats.Level,
				c.ShelterID, c.LastInteractionAt, c.CreatedAt,
			); err != nil {
				return err
			}
			continue
		}
		if cc.SetStats != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE companions SET health = $3, happiness = $4, energy = $5, xp = $6, level = $7,
					last_interaction_at = CASE WHEN $8 THEN now() ELSE last_interaction_at END
				WHERE tenant_id = $1 AND user_id = $2 AND ($9 = '' OR id = $9)`,
				tenantID, userID,
				cc.SetStats.Health, cc.SetStats.Happiness, cc.SetStats.Energy,
				cc.SetStats.XP, cc.SetStats.Level, cc.Touch, cc.CompanionID,
			); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Postgres) LookupOutcome(ctx context.Context, tenantID, userID, idemKey, requestHash string) ([]byte, bool, error) {
	var resp []byte
	var storedHash string
	err := p.db.QueryRowContext(ctx, `
		SELECT response, request_hash FROM idempotency
		WHERE tenant_id = $1 AND user_id = $2 AND idem_key = $3`,
		tenantID, userID, idemKey).Scan(&resp, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	if storedHash != requestHash {
		return nil, false, ErrIdemConflict
	}
	return resp, true, nil
}

// ===== SESSIONS =====

func (p *Postgres) RecordSession(ctx context.Context, s *core.Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, user_id, token_hash, chain_id, kind,
			issued_at, expires_at, ip, user_agent, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.TenantID, s.UserID, s.TokenHash, s.ChainID, s.Kind,
		s.IssuedAt, s.ExpiresAt, s.IP, s.UserAgent, s.Revoked,
	)
	return classify(err)
}

func (p *Postgres) GetSession(ctx context.Context, tokenHash string) (*core.Session, error) {
	var s core.Session
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, token_hash, chain_id, kind,
			issued_at, expires_at, ip, user_agent, revoked
		FROM sessions WHERE token_hash = $1`, tokenHash).Scan(
		&s.ID, &s.TenantID, &s.UserID, &s.TokenHash, &s.ChainID, &s.Kind,
		&s.IssuedAt, &s.ExpiresAt, &s.IP, &s.UserAgent, &s.Revoked,
	)
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func (p *Postgres) RevokeSession(ctx context.Context, tokenHash string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = TRUE WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RevokeChain(ctx context.Context, chainID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = TRUE WHERE chain_id = $1 AND NOT revoked`, chainID)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ===== RATE LIMITING =====

func (p *Postgres) RateLimitIncr(ctx context.Context, subject, action string, windowStart time.Time, n int) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (subject, action, window_start, count)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (subject, action, window_start)
		DO UPDATE SET count = rate_limits.count + EXCLUDED.count
		RETURNING count`,
		subject, action, windowStart.UTC(), n).Scan(&count)
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

// ===== TENANTS =====

func (p *Postgres) PutTenant(ctx context.Context, t *core.Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, host_domain, shard_key, branding, timezone, wifi_ssids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, host_domain = EXCLUDED.host_domain,
			branding = EXCLUDED.branding, timezone = EXCLUDED.timezone,
			wifi_ssids = EXCLUDED.wifi_ssids`,
		t.ID, t.Name, t.HostDomain, t.ShardKey,
		mustJSON(t.Branding), t.Timezone, mustJSON(t.WiFiSSIDs), t.CreatedAt,
	)
	return classify(err)
}

func scanTenant(row rowScanner) (*core.Tenant, error) {
	var t core.Tenant
	var branding, ssids []byte
	err := row.Scan(&t.ID, &t.Name, &t.HostDomain, &t.ShardKey,
		&branding, &t.Timezone, &ssids, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal(branding, &t.Branding)
	json.Unmarshal(ssids, &t.WiFiSSIDs)
	return &t, nil
}

const tenantColumns = `id, name, host_domain, shard_key, branding, timezone, wifi_ssids, created_at`

func (p *Postgres) GetTenant(ctx context.Context, tenantID string) (*core.Tenant, error) {
	t, err := scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID))
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

func (p *Postgres) GetTenantByHost(ctx context.Context, host string) (*core.Tenant, error) {
	t, err := scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE host_domain = $1`, host))
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

func (p *Postgres) ListTenants(ctx context.Context) ([]*core.Tenant, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

// ===== GAMEPLAY READS =====

const missionColumns = `id, tenant_id, user_id, type, template_id, title, category,
	target, min_amount, progress, reward_coins, reward_xp, status, created_at, expires_at`

func scanMission(row rowScanner) (*core.Mission, error) {
	var m core.Mission
	var minAmount string
	err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Type, &m.TemplateID, &m.Title, &m.Category,
		&m.Target, &minAmount, &m.Progress, &m.RewardCoins, &m.RewardXP,
		&m.Status, &m.CreatedAt, &m.ExpiresAt)
	if err != nil {
		return nil, err
	}
	m.MinAmount, err = decimal.NewFromString(minAmount)
	return &m, err
}

func (p *Postgres) ListMissions(ctx context.Context, tenantID, userID string, statuses ...core.MissionStatus) ([]*core.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE tenant_id = $1 AND user_id = $2`
	args := []interface{}{tenantID, userID}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		query += ` AND status = ANY($3)`
		args = append(args, pq.Array(ss))
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) GetMission(ctx context.Context, tenantID, userID, missionID string) (*core.Mission, error) {
	m, err := scanMission(p.db.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1 AND tenant_id = $2 AND user_id = $3`,
		missionID, tenantID, userID))
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func (p *Postgres) ListAchievements(ctx context.Context, tenantID, userID string) ([]*core.Achievement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, type, name, points, coins, earned_at
		FROM achievements WHERE tenant_id = $1 AND user_id = $2 ORDER BY earned_at`,
		tenantID, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Achievement
	for rows.Next() {
		var a core.Achievement
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Type, &a.Name,
			&a.Points, &a.Coins, &a.EarnedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, &a)
	}
	return out, classify(rows.Err())
}

const facilityColumns = `id, tenant_id, user_id, type, level, income_per_hour,
	pending_income, last_collected_at, last_accrued_at, created_at`

func scanFacility(row rowScanner) (*core.Facility, error) {
	var f core.Facility
	err := row.Scan(&f.ID, &f.TenantID, &f.UserID, &f.Type, &f.Level, &f.IncomePerHour,
		&f.PendingIncome, &f.LastCollectedAt, &f.LastAccruedAt, &f.CreatedAt)
	return &f, err
}

func (p *Postgres) ListFacilities(ctx context.Context, tenantID, userID string) ([]*core.Facility, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+facilityColumns+` FROM facilities WHERE tenant_id = $1 AND user_id = $2 ORDER BY created_at`,
		tenantID, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, f)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) GetFacility(ctx context.Context, tenantID, userID, facilityID string) (*core.Facility, error) {
	f, err := scanFacility(p.db.QueryRowContext(ctx,
		`SELECT `+facilityColumns+` FROM facilities WHERE id = $1 AND tenant_id = $2 AND user_id = $3`,
		facilityID, tenantID, userID))
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

const companionColumns = `id, tenant_id, user_id, name, type,
	health, happiness, energy, xp, level, shelter_id, last_interaction_at, created_at`

func scanCompanion(row rowScanner) (*core.Companion, error) {
	var c core.Companion
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Name, &c.Type,
		&c.Stats.Health, &c.Stats.Happiness, &c.Stats.Energy, &c.Stats.XP, &c.Stats.Level,
		&c.ShelterID, &c.LastInteractionAt, &c.CreatedAt)
	return &c, err
}

func (p *Postgres) GetCompanion(ctx context.Context, tenantID, userID string) (*core.Companion, error) {
	c, err := scanCompanion(p.db.QueryRowContext(ctx,
		`SELECT `+companionColumns+` FROM companions WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID))
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

func (p *Postgres) ListNotifications(ctx context.Context, tenantID, userID string, unreadOnly bool, limit int) ([]*core.Notification, error) {
	query := `
		SELECT id, tenant_id, user_id, kind, priority, payload, created_at, expires_at, read, dismissed
		FROM notifications WHERE tenant_id = $1 AND user_id = $2`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY created_at DESC`
	args := []interface{}{tenantID, userID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Notification
	for rows.Next() {
		var n core.Notification
		var payload []byte
		var priority int
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Kind, &priority,
			&payload, &n.CreatedAt, &n.ExpiresAt, &n.Read, &n.Dismissed); err != nil {
			return nil, classify(err)
		}
		n.Priority = core.NotificationPriority(priority)
		json.Unmarshal(payload, &n.Payload)
		out = append(out, &n)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3`,
		notificationID, tenantID, userID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListActiveEvents(ctx context.Context, tenantID string, at time.Time) ([]*core.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, name, multiplier, start_at, end_at, categories, min_amount
		FROM events WHERE tenant_id = $1 AND start_at <= $2 AND end_at > $2
		ORDER BY id`, tenantID, at)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		var e core.Event
		var categories []byte
		var minAmount string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &e.Name, &e.Multiplier,
			&e.StartAt, &e.EndAt, &categories, &minAmount); err != nil {
			return nil, classify(err)
		}
		json.Unmarshal(categories, &e.Categories)
		e.MinAmount, err = decimal.NewFromString(minAmount)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, &e)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) PutEvent(ctx context.Context, e *core.Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO events (id, tenant_id, kind, name, multiplier, start_at, end_at, categories, min_amount)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind, name = EXCLUDED.name, multiplier = EXCLUDED.multiplier,
			start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at,
			categories = EXCLUDED.categories, min_amount = EXCLUDED.min_amount`,
		e.ID, e.TenantID, e.Kind, e.Name, e.Multiplier,
		e.StartAt, e.EndAt, mustJSON(e.Categories), e.MinAmount.StringFixed(2),
	)
	return classify(err)
}

func (p *Postgres) CountRecentReceipts(ctx context.Context, tenantID, userID, storeName string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM receipts
		WHERE tenant_id = $1 AND user_id = $2 AND store = $3 AND submitted_at >= $4`,
		tenantID, userID, storeName, since).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// ===== BACKGROUND-JOB SCANS =====

func (p *Postgres) ScanFacilitiesDue(ctx context.Context, due time.Time, limit int) ([]*core.Facility, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+facilityColumns+` FROM facilities WHERE last_accrued_at < $1 ORDER BY last_accrued_at LIMIT $2`,
		due, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, f)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) AccrueFacilityIncome(ctx context.Context, tenantID, userID, facilityID string, pending int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE facilities SET pending_income = pending_income + $4, last_accrued_at = $5
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3`,
		facilityID, tenantID, userID, pending, at)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ScanExpiredMissions(ctx context.Context, before time.Time, limit int) ([]*core.Mission, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE status = 'active' AND expires_at < $1 ORDER BY expires_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) ExpireMission(ctx context.Context, tenantID, userID, missionID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE missions SET status = 'expired'
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3 AND status = 'active'`,
		missionID, tenantID, userID)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) DeleteExpiredNotifications(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE expires_at < $1`, before)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) ScanCompanions(ctx context.Context, limit int) ([]*core.Companion, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+companionColumns+` FROM companions ORDER BY last_interaction_at LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*core.Companion
	for rows.Next() {
		c, err := scanCompanion(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) UpdateCompanionStats(ctx context.Context, tenantID, userID, companionID string, stats core.CompanionStats, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE companions SET health = $4, happiness = $5, energy = $6, xp = $7, level = $8,
			last_interaction_at = $9
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3`,
		companionID, tenantID, userID,
		stats.Health, stats.Happiness, stats.Energy, stats.XP, stats.Level, at)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ResetStaleStreaks(ctx context.Context, tenantID, cutoffDay string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET streak_days = 0, version = version + 1
		WHERE tenant_id = $1 AND streak_days > 0 AND streak_last_day < $2`,
		tenantID, cutoffDay)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ===== LEADERBOARDS =====

// boardColumn whitelists the sort column per kind; kinds never reach SQL as
// raw strings.
func boardColumn(kind core.LeaderboardKind) (string, bool) {
	switch kind {
	case core.BoardCoins:
		return "coins", true
	case core.BoardXP:
		return "xp", true
	case core.BoardStreak:
		return "streak_days", true
	case core.BoardAchievements:
		return "achievement_points", true
	case core.BoardSpending:
		return "floor(total_spent)::bigint", true
	default:
		return "", false
	}
}

func (p *Postgres) Leaderboard(ctx context.Context, tenantID string, kind core.LeaderboardKind, k int) ([]core.BoardEntry, error) {
	col, ok := boardColumn(kind)
	if !ok {
		return nil, core.Ef(core.KindValidation, "unknown leaderboard kind %q", kind)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, display_name, `+col+` AS score
		FROM users WHERE tenant_id = $1
		ORDER BY score DESC LIMIT $2`, tenantID, k)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []core.BoardEntry
	for rows.Next() {
		var e core.BoardEntry
		if err := rows.Scan(&e.UserID, &e.DisplayName, &e.Score); err != nil {
			return nil, classify(err)
		}
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classify(p.db.PingContext(ctx))
}

func (p *Postgres) Close() error { return p.db.Close() }
