package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is the ordered, idempotent DDL applied to every shard.
// Statements only ever add; destructive changes get a new statement that
// migrates data forward.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		host_domain TEXT NOT NULL UNIQUE,
		shard_key   TEXT NOT NULL DEFAULT '',
		branding    JSONB NOT NULL DEFAULT '{}',
		timezone    TEXT NOT NULL DEFAULT 'Asia/Dubai',
		wifi_ssids  JSONB NOT NULL DEFAULT '[]',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		tenant_id          TEXT NOT NULL,
		id                 TEXT NOT NULL,
		handle             TEXT NOT NULL,
		display_name       TEXT NOT NULL DEFAULT '',
		language           TEXT NOT NULL DEFAULT 'en',
		password_hash      TEXT NOT NULL DEFAULT '',
		role               TEXT NOT NULL DEFAULT 'player',
		mfa_secret         TEXT NOT NULL DEFAULT '',
		mfa_enabled        BOOLEAN NOT NULL DEFAULT FALSE,
		backup_codes       JSONB NOT NULL DEFAULT '[]',
		coins              BIGINT NOT NULL DEFAULT 0,
		xp                 BIGINT NOT NULL DEFAULT 0,
		level              INT NOT NULL DEFAULT 1,
		vip_tier           TEXT NOT NULL DEFAULT 'Bronze',
		vip_points         BIGINT NOT NULL DEFAULT 0,
		achievement_points BIGINT NOT NULL DEFAULT 0,
		social_score       BIGINT NOT NULL DEFAULT 0,
		total_spent        NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_purchases    INT NOT NULL DEFAULT 0,
		streak_days        INT NOT NULL DEFAULT 0,
		streak_last_day    TEXT NOT NULL DEFAULT '',
		visited_categories JSONB NOT NULL DEFAULT '{}',
		friends            JSONB NOT NULL DEFAULT '[]',
		team_id            TEXT NOT NULL DEFAULT '',
		attributes         JSONB NOT NULL DEFAULT '{}',
		version            BIGINT NOT NULL DEFAULT 1,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_active        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_handle_uniq
		ON users (tenant_id, lower(handle))`,

	`CREATE TABLE IF NOT EXISTS receipts (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		store        TEXT NOT NULL,
		category     TEXT NOT NULL,
		amount       NUMERIC(14,2) NOT NULL,
		currency     TEXT NOT NULL DEFAULT 'AED',
		ssid         TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL,
		status       TEXT NOT NULL,
		idem_key     TEXT NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ NOT NULL,
		reward_coins BIGINT NOT NULL DEFAULT 0,
		reward_xp    BIGINT NOT NULL DEFAULT 0,
		multipliers  JSONB NOT NULL DEFAULT '{}',
		event_id     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS receipts_user_time
		ON receipts (tenant_id, user_id, submitted_at)`,
	`CREATE INDEX IF NOT EXISTS receipts_user_store_time
		ON receipts (tenant_id, user_id, store, submitted_at)`,

	`CREATE TABLE IF NOT EXISTS missions (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		type         TEXT NOT NULL,
		template_id  TEXT NOT NULL,
		title        TEXT NOT NULL,
		category     TEXT NOT NULL DEFAULT '',
		target       INT NOT NULL,
		min_amount   NUMERIC(14,2) NOT NULL DEFAULT 0,
		progress     INT NOT NULL DEFAULT 0,
		reward_coins BIGINT NOT NULL DEFAULT 0,
		reward_xp    BIGINT NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS missions_user
		ON missions (tenant_id, user_id, status)`,
	`CREATE INDEX IF NOT EXISTS missions_expiry
		ON missions (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS achievements (
		id        TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id   TEXT NOT NULL,
		type      TEXT NOT NULL,
		name      TEXT NOT NULL,
		points    BIGINT NOT NULL DEFAULT 0,
		coins     BIGINT NOT NULL DEFAULT 0,
		earned_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, user_id, type)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		name       TEXT NOT NULL,
		multiplier DOUBLE PRECISION NOT NULL,
		start_at   TIMESTAMPTZ NOT NULL,
		end_at     TIMESTAMPTZ NOT NULL,
		categories JSONB NOT NULL DEFAULT '[]',
		min_amount NUMERIC(14,2) NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS events_window
		ON events (tenant_id, start_at, end_at)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		chain_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		issued_at  TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		ip         TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		revoked    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_chain ON sessions (chain_id)`,
	`CREATE INDEX IF NOT EXISTS sessions_expiry ON sessions (expires_at)`,

	`CREATE TABLE IF NOT EXISTS idempotency (
		tenant_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		idem_key     TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response     BYTEA,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, user_id, idem_key)
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		subject      TEXT NOT NULL,
		action       TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count        INT NOT NULL DEFAULT 0,
		PRIMARY KEY (subject, action, window_start)
	)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		priority   INT NOT NULL DEFAULT 1,
		payload    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		read       BOOLEAN NOT NULL DEFAULT FALSE,
		dismissed  BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user
		ON notifications (tenant_id, user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS notifications_expiry
		ON notifications (expires_at)`,

	`CREATE TABLE IF NOT EXISTS facilities (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		user_id           TEXT NOT NULL,
		type              TEXT NOT NULL,
		level             INT NOT NULL DEFAULT 1,
		income_per_hour   BIGINT NOT NULL DEFAULT 0,
		pending_income    BIGINT NOT NULL DEFAULT 0,
		last_collected_at TIMESTAMPTZ NOT NULL,
		last_accrued_at   TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS facilities_user
		ON facilities (tenant_id, user_id)`,
	`CREATE INDEX IF NOT EXISTS facilities_accrual
		ON facilities (last_accrued_at)`,

	`CREATE TABLE IF NOT EXISTS companions (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		user_id             TEXT NOT NULL,
		name                TEXT NOT NULL,
		type                TEXT NOT NULL DEFAULT 'deer',
		health              INT NOT NULL DEFAULT 100,
		happiness           INT NOT NULL DEFAULT 100,
		energy              INT NOT NULL DEFAULT 100,
		xp                  INT NOT NULL DEFAULT 0,
		level               INT NOT NULL DEFAULT 1,
		shelter_id          TEXT NOT NULL DEFAULT '',
		last_interaction_at TIMESTAMPTZ NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, user_id)
	)`,
}

// MigrateDSN opens one shard by DSN, applies the schema and closes the
// connection again.
func MigrateDSN(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return Migrate(ctx, db)
}

// Migrate applies the schema to one shard database. Safe to run on every
// startup and from the migrate subcommand.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
