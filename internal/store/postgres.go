package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS entitlements (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			minutes_used DOUBLE PRECISION NOT NULL DEFAULT 0,
			minutes_limit DOUBLE PRECISION,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_stripe_customer ON entitlements(stripe_customer_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_created_at ON webhook_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS canceled_subscriptions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_canceled_subscriptions_created_at ON canceled_subscriptions(created_at)`,
		`CREATE TABLE IF NOT EXISTS transcriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			duration_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
			segments_count INTEGER NOT NULL DEFAULT 0,
			minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcriptions_user_id ON transcriptions(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Username, user.Email, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, role, created_at FROM users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Entitlements ---

func (s *PostgresStore) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	return scanEntitlement(s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetEntitlementByStripeCustomer(ctx context.Context, customerID string) (*Entitlement, error) {
	return scanEntitlement(s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE stripe_customer_id = $1`, customerID))
}

func (s *PostgresStore) CreateDefaultEntitlement(ctx context.Context, userID, email string, freeMinutes float64) (*Entitlement, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, email, plan, minutes_used, minutes_limit, created_at, updated_at)
		 VALUES ($1, $2, 'free', 0, $3, $4, $5)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, email, freeMinutes, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetEntitlement(ctx, userID)
}

func (s *PostgresStore) ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET plan = 'pro', minutes_limit = NULL,
		     stripe_customer_id = CASE WHEN $1 != '' THEN $1 ELSE stripe_customer_id END,
		     stripe_subscription_id = $2, updated_at = $3
		 WHERE user_id = $4`,
		customerID, subscriptionID, time.Now(), userID,
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

func (s *PostgresStore) CancelSubscription(ctx context.Context, customerID, subscriptionID string, freeMinutes float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET plan = 'free', minutes_limit = $1, stripe_subscription_id = '', updated_at = $2
		 WHERE stripe_customer_id = $3 AND stripe_subscription_id = $4`,
		freeMinutes, time.Now(), customerID, subscriptionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) AddMinutesUsed(ctx context.Context, userID string, minutes float64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entitlements SET minutes_used = minutes_used + $1, updated_at = $2 WHERE user_id = $3",
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

func (s *PostgresStore) SetStripeCustomerID(ctx context.Context, userID, customerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entitlements SET stripe_customer_id = $1, updated_at = $2 WHERE user_id = $3 AND stripe_customer_id = ''",
		customerID, time.Now(), userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Webhook event dedup ---

func (s *PostgresStore) MarkWebhookEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO webhook_events (id, type, created_at) VALUES ($1, $2, $3) ON CONFLICT(id) DO NOTHING",
		eventID, eventType, time.Now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) UnmarkWebhookEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM webhook_events WHERE id = $1", eventID)
	return err
}

func (s *PostgresStore) PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM webhook_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Subscription tombstones ---

func (s *PostgresStore) RecordCanceledSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO canceled_subscriptions (id, created_at) VALUES ($1, $2) ON CONFLICT(id) DO NOTHING",
		subscriptionID, time.Now(),
	)
	return err
}

func (s *PostgresStore) IsSubscriptionCanceled(ctx context.Context, subscriptionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM canceled_subscriptions WHERE id = $1", subscriptionID,
	).Scan(&count)
	return count > 0, err
}

func (s *PostgresStore) PurgeOldCanceledSubscriptions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM canceled_subscriptions WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Transcriptions ---

func (s *PostgresStore) AppendTranscription(ctx context.Context, tr *Transcription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions (id, user_id, filename, duration_secs, segments_count, minutes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.ID, tr.UserID, tr.Filename, tr.DurationSecs, tr.SegmentsCount, tr.Minutes, tr.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTranscriptions(ctx context.Context, userID string, limit int) ([]Transcription, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, filename, duration_secs, segments_count, minutes, created_at
		 FROM transcriptions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)",
		event.ID, event.Action, event.UserID, string(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
