package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS entitlements (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			minutes_used REAL NOT NULL DEFAULT 0,
			minutes_limit REAL,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_stripe_customer ON entitlements(stripe_customer_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_created_at ON webhook_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS canceled_subscriptions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_canceled_subscriptions_created_at ON canceled_subscriptions(created_at)`,
		`CREATE TABLE IF NOT EXISTS transcriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			duration_secs REAL NOT NULL DEFAULT 0,
			segments_count INTEGER NOT NULL DEFAULT 0,
			minutes REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcriptions_user_id ON transcriptions(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Email, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, role, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Entitlements ---

const entitlementColumns = `user_id, email, plan, minutes_used, minutes_limit, stripe_customer_id, stripe_subscription_id, created_at, updated_at`

func scanEntitlement(row *sql.Row) (*Entitlement, error) {
	var e Entitlement
	var limit sql.NullFloat64
	err := row.Scan(&e.UserID, &e.Email, &e.Plan, &e.MinutesUsed, &limit,
		&e.StripeCustomerID, &e.StripeSubscriptionID, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if limit.Valid {
		e.MinutesLimit = &limit.Float64
	}
	return &e, nil
}

func (s *SQLiteStore) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	return scanEntitlement(s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = ?`, userID))
}

func (s *SQLiteStore) GetEntitlementByStripeCustomer(ctx context.Context, customerID string) (*Entitlement, error) {
	return scanEntitlement(s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE stripe_customer_id = ?`, customerID))
}

func (s *SQLiteStore) CreateDefaultEntitlement(ctx context.Context, userID, email string, freeMinutes float64) (*Entitlement, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, email, plan, minutes_used, minutes_limit, created_at, updated_at)
		 VALUES (?, ?, 'free', 0, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, email, freeMinutes, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetEntitlement(ctx, userID)
}

func (s *SQLiteStore) ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET plan = 'pro', minutes_limit = NULL,
		     stripe_customer_id = CASE WHEN ? != '' THEN ? ELSE stripe_customer_id END,
		     stripe_subscription_id = ?, updated_at = ?
		 WHERE user_id = ?`,
		customerID, customerID, subscriptionID, time.Now(), userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no entitlement for user %s", userID)
	}
	return nil
}

func (s *SQLiteStore) CancelSubscription(ctx context.Context, customerID, subscriptionID string, freeMinutes float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET plan = 'free', minutes_limit = ?, stripe_subscription_id = '', updated_at = ?
		 WHERE stripe_customer_id = ? AND stripe_subscription_id = ?`,
		freeMinutes, time.Now(), customerID, subscriptionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) AddMinutesUsed(ctx context.Context, userID string, minutes float64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entitlements SET minutes_used = minutes_used + ?, updated_at = ? WHERE user_id = ?",
		minutes, time.Now(), userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no entitlement for user %s", userID)
	}
	return nil
}

func (s *SQLiteStore) SetStripeCustomerID(ctx context.Context, userID, customerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entitlements SET stripe_customer_id = ?, updated_at = ? WHERE user_id = ? AND stripe_customer_id = ''",
		customerID, time.Now(), userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Webhook event dedup ---

func (s *SQLiteStore) MarkWebhookEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO webhook_events (id, type, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING",
		eventID, eventType, time.Now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) UnmarkWebhookEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM webhook_events WHERE id = ?", eventID)
	return err
}

func (s *SQLiteStore) PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM webhook_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Subscription tombstones ---

func (s *SQLiteStore) RecordCanceledSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO canceled_subscriptions (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		subscriptionID, time.Now(),
	)
	return err
}

func (s *SQLiteStore) IsSubscriptionCanceled(ctx context.Context, subscriptionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM canceled_subscriptions WHERE id = ?", subscriptionID,
	).Scan(&count)
	return count > 0, err
}

func (s *SQLiteStore) PurgeOldCanceledSubscriptions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM canceled_subscriptions WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Transcriptions ---

func (s *SQLiteStore) AppendTranscription(ctx context.Context, tr *Transcription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions (id, user_id, filename, duration_secs, segments_count, minutes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, tr.Filename, tr.DurationSecs, tr.SegmentsCount, tr.Minutes, tr.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListTranscriptions(ctx context.Context, userID string, limit int) ([]Transcription, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, filename, duration_secs, segments_count, minutes, created_at
		 FROM transcriptions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Transcription
	for rows.Next() {
		var tr Transcription
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.Filename, &tr.DurationSecs,
			&tr.SegmentsCount, &tr.Minutes, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		event.ID, event.Action, event.UserID, string(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Health / lifecycle ---

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
