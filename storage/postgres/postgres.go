// Package postgres provides a PostgreSQL implementation of planmeter.Storage,
// billing.DeadLetterStore and billing.AccountDirectory.
// Reservations serialize per user with a transaction-scoped advisory lock.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage implements planmeter.Storage on PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// accounts is the sanitized accounts table name
	accounts string

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AccountsTable is the table holding application accounts (id, email).
	// Point it at the application's own user table when it has those columns.
	AccountsTable string

	// Cleanup configuration
	CleanupEnabled      bool
	CleanupInterval     time.Duration // How often to run cleanup
	DeadLetterRetention time.Duration // Unresolved events older than this are purged
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:            10,
		MinConns:            2,
		MaxConnLifetime:     time.Hour,
		MaxConnIdleTime:     30 * time.Minute,
		AccountsTable:       "accounts",
		CleanupEnabled:      true,
		CleanupInterval:     time.Hour,
		DeadLetterRetention: 30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.AccountsTable == "" {
		config.AccountsTable = "accounts"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", planmeter.ErrStorageUnavailable, err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		accounts:    pgx.Identifier(strings.Split(config.AccountsTable, ".")).Sanitize(),
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.DeadLetterRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close stops background cleanup and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded goose migrations
func (s *Storage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the current schema version
func (s *Storage) MigrationVersion(ctx context.Context) (int64, error) {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return version, nil
}

const recordColumns = `user_id, plan, status, processor_customer_id, processor_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end, last_event_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*planmeter.SubscriptionRecord, error) {
	var rec planmeter.SubscriptionRecord
	err := row.Scan(
		&rec.UserID,
		&rec.Plan,
		&rec.Status,
		&rec.ProcessorCustomerID,
		&rec.ProcessorSubscriptionID,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.LastEventAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, planmeter.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord implements planmeter.RecordStore
func (s *Storage) GetRecord(ctx context.Context, userID string) (*planmeter.SubscriptionRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM subscription_records WHERE user_id = $1`, userID))
	if err != nil && !errors.Is(err, planmeter.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, err
}

// GetRecordByCustomerID implements planmeter.RecordStore. If several records
// carry the customer id the most recently updated wins.
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*planmeter.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, planmeter.ErrRecordNotFound
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM subscription_records
			WHERE processor_customer_id = $1
			ORDER BY updated_at DESC
			LIMIT 1`, customerID))
	if err != nil && !errors.Is(err, planmeter.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get record by customer: %w", err)
	}
	return rec, err
}

// UpsertRecord implements planmeter.RecordStore. The ordering guard is part of
// the statement, so concurrent deliveries cannot interleave a read and a write.
func (s *Storage) UpsertRecord(ctx context.Context, rec *planmeter.SubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return planmeter.ErrInvalidRecord
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = rec.UpdatedAt
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (user_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				processor_customer_id = EXCLUDED.processor_customer_id,
				processor_subscription_id = EXCLUDED.processor_subscription_id,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at
			WHERE subscription_records.last_event_at <= EXCLUDED.last_event_at`,
		rec.UserID, string(rec.Plan), string(rec.Status), rec.ProcessorCustomerID, rec.ProcessorSubscriptionID,
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd, rec.CancelAtPeriodEnd,
		rec.LastEventAt.UTC(), createdAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return planmeter.ErrStaleEvent
	}
	return nil
}

func actionStrings(actions []planmeter.ActionType) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}

// AppendUsage implements planmeter.Ledger
func (s *Storage) AppendUsage(ctx context.Context, entry *planmeter.UsageEntry) error {
	if entry == nil || entry.UserID == "" {
		return planmeter.ErrInvalidUserID
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_ledger (id, user_id, action_type, occurred_at) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.UserID, string(entry.Action), entry.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// CountUsage implements planmeter.Ledger
func (s *Storage) CountUsage(
	ctx context.Context, userID string, actions []planmeter.ActionType, start, end time.Time,
) (int, error) {
	return countUsage(ctx, s.pool, userID, actions, start, end)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countUsage(
	ctx context.Context, q querier, userID string, actions []planmeter.ActionType, start, end time.Time,
) (int, error) {
	var count int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_ledger
			WHERE user_id = $1 AND action_type = ANY($2) AND occurred_at >= $3 AND occurred_at < $4`,
		userID, actionStrings(actions), start.UTC(), end.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// ReserveUsage implements planmeter.Ledger. A transaction-scoped advisory lock
// keyed by user id serializes reservations of the same user; the lock is
// released on commit or rollback.
func (s *Storage) ReserveUsage(
	ctx context.Context, entry *planmeter.UsageEntry, actions []planmeter.ActionType, start, end time.Time, limit int,
) (int, error) {
	if entry == nil || entry.UserID == "" {
		return 0, planmeter.ErrInvalidUserID
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, entry.UserID); err != nil {
		return 0, fmt.Errorf("failed to lock user ledger: %w", err)
	}

	used, err := countUsage(ctx, tx, entry.UserID, actions, start, end)
	if err != nil {
		return 0, err
	}
	if used >= limit {
		return used, planmeter.ErrQuotaExceeded
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO usage_ledger (id, user_id, action_type, occurred_at) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.UserID, string(entry.Action), entry.OccurredAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to append usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return used + 1, nil
}

// Now implements planmeter.TimeSource using the database clock, so every
// application server places entries in the same month.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// SaveUnresolved implements billing.DeadLetterStore
func (s *Storage) SaveUnresolved(ctx context.Context, event *billing.UnresolvedEvent) error {
	if event == nil || event.ID == "" {
		return billing.ErrInvalidWebhookPayload
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO unresolved_events
				(id, provider, event_id, event_type, customer_id, email, payload, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		event.ID, event.Provider, event.EventID, event.EventType,
		event.CustomerID, event.Email, event.Payload, event.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save unresolved event: %w", err)
	}
	return nil
}

// ListUnresolved implements billing.DeadLetterStore
func (s *Storage) ListUnresolved(ctx context.Context, limit int) ([]billing.UnresolvedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, event_id, event_type, customer_id, email, payload, received_at
			FROM unresolved_events
			ORDER BY received_at
			LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.UnresolvedEvent, error) {
		var e billing.UnresolvedEvent
		err := row.Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.CustomerID, &e.Email, &e.Payload, &e.ReceivedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan unresolved events: %w", err)
	}
	return events, nil
}

// DeleteUnresolved implements billing.DeadLetterStore
func (s *Storage) DeleteUnresolved(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM unresolved_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete unresolved event: %w", err)
	}
	return nil
}

// AccountExists implements billing.AccountDirectory
func (s *Storage) AccountExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.accounts+` WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

// ListAccounts implements billing.AccountDirectory
func (s *Storage) ListAccounts(ctx context.Context, page, perPage int) ([]billing.Account, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, email FROM `+s.accounts+` ORDER BY id LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Account, error) {
		var a billing.Account
		err := row.Scan(&a.ID, &a.Email)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}
	return accounts, nil
}

// FindAccountByEmail implements billing.EmailFinder with the lower(email) index
func (s *Storage) FindAccountByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+s.accounts+` WHERE lower(email) = lower($1) ORDER BY id LIMIT 1`,
		strings.TrimSpace(email)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find account by email: %w", err)
	}
	return id, nil
}

// UpsertAccount registers or updates an application account
func (s *Storage) UpsertAccount(ctx context.Context, account billing.Account) error {
	if account.ID == "" {
		return planmeter.ErrInvalidUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.accounts+` (id, email) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`,
		account.ID, account.Email)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of old unresolved events
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // retried on the next tick
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup purges unresolved events older than DeadLetterRetention.
// The usage ledger is never pruned.
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.DeadLetterRetention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.config.DeadLetterRetention)
	if _, err := s.pool.Exec(ctx, `DELETE FROM unresolved_events WHERE received_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup unresolved events: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var (
	_ planmeter.Storage        = (*Storage)(nil)
	_ planmeter.TimeSource     = (*Storage)(nil)
	_ billing.DeadLetterStore  = (*Storage)(nil)
	_ billing.AccountDirectory = (*Storage)(nil)
	_ billing.EmailFinder      = (*Storage)(nil)
)
