package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/textpilot/textpilot/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pqUniqueViolation is the Postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time checks that PostgresStore implements the storage contracts.
var (
	_ Store      = (*PostgresStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindOrCreateUser(phoneNumber string) (models.User, bool, error) {
	// ON CONFLICT DO NOTHING closes the race between concurrent first messages;
	// RETURNING yields a row only for the call that performed the insert.
	row := s.db.QueryRow(
		`INSERT INTO users (phone_number, onboarding_stage, subscription_status, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (phone_number) DO NOTHING
		 RETURNING id, phone_number, display_name, timezone, onboarding_stage, subscription_status, trial_started_at, created_at`,
		phoneNumber, models.StageNew, models.SubscriptionNone, time.Now().UTC(),
	)
	user, err := scanUser(row)
	if err == nil {
		slog.Info("PostgresStore created user", "phone", phoneNumber, "id", user.ID)
		return user, true, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("PostgresStore FindOrCreateUser insert failed", "error", err, "phone", phoneNumber)
		return models.User{}, false, fmt.Errorf("find or create user %s failed: %w", phoneNumber, err)
	}

	user, err = s.GetUser(phoneNumber)
	if err != nil {
		return models.User{}, false, err
	}
	return user, false, nil
}

func (s *PostgresStore) GetUser(phoneNumber string) (models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, phone_number, display_name, timezone, onboarding_stage, subscription_status, trial_started_at, created_at
		 FROM users WHERE phone_number = $1`, phoneNumber)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return models.User{}, models.ErrUserNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "phone", phoneNumber)
		return models.User{}, fmt.Errorf("get user %s failed: %w", phoneNumber, err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateUser(phoneNumber string, update models.UserUpdate) (models.User, error) {
	set, args := buildUserUpdate(update, dollar)
	if len(set) > 0 {
		args = append(args, phoneNumber)
		query := fmt.Sprintf(`UPDATE users SET %s WHERE phone_number = $%d`, strings.Join(set, ", "), len(args))
		if _, err := s.db.Exec(query, args...); err != nil {
			slog.Error("PostgresStore UpdateUser failed", "error", err, "phone", phoneNumber)
			return models.User{}, fmt.Errorf("update user %s failed: %w", phoneNumber, err)
		}
	}
	return s.GetUser(phoneNumber)
}

func (s *PostgresStore) AdvanceUserStage(phoneNumber string, from, to models.OnboardingStage, update models.UserUpdate) (bool, error) {
	set, args := buildUserUpdate(update, dollar)
	set = append(set, fmt.Sprintf("onboarding_stage = $%d", len(args)+1))
	args = append(args, to)
	query := fmt.Sprintf(
		`UPDATE users SET %s WHERE phone_number = $%d AND onboarding_stage = $%d`,
		strings.Join(set, ", "), len(args)+1, len(args)+2,
	)
	args = append(args, phoneNumber, from)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("PostgresStore AdvanceUserStage failed", "error", err, "phone", phoneNumber, "from", from, "to", to)
		return false, fmt.Errorf("advance stage for %s failed: %w", phoneNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance stage for %s failed: %w", phoneNumber, err)
	}
	if n == 0 {
		slog.Warn("PostgresStore AdvanceUserStage found stage changed concurrently", "phone", phoneNumber, "expected", from)
		return false, nil
	}
	slog.Info("PostgresStore AdvanceUserStage succeeded", "phone", phoneNumber, "from", from, "to", to)
	return true, nil
}

func (s *PostgresStore) SetSubscriptionStatus(phoneNumber string, from, to models.SubscriptionStatus) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE users SET subscription_status = $1 WHERE phone_number = $2 AND subscription_status = $3`,
		to, phoneNumber, from,
	)
	if err != nil {
		slog.Error("PostgresStore SetSubscriptionStatus failed", "error", err, "phone", phoneNumber, "from", from, "to", to)
		return false, fmt.Errorf("set subscription status for %s failed: %w", phoneNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set subscription status for %s failed: %w", phoneNumber, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ExpireTrialsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE users SET subscription_status = $1 WHERE subscription_status = $2 AND trial_started_at < $3`,
		models.SubscriptionExpired, models.SubscriptionTrial, cutoff,
	)
	if err != nil {
		slog.Error("PostgresStore ExpireTrialsBefore failed", "error", err)
		return 0, fmt.Errorf("expire trials failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire trials failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AppendMessage(userID int64, direction models.MessageDirection, body, providerMessageID string) (models.Message, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO messages (user_id, direction, body, provider_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		userID, direction, body, nilIfEmpty(providerMessageID), now,
	).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			slog.Debug("PostgresStore AppendMessage duplicate provider message id", "providerMessageID", providerMessageID)
			return models.Message{}, models.ErrDuplicateMessage
		}
		slog.Error("PostgresStore AppendMessage failed", "error", err, "userID", userID, "direction", direction)
		return models.Message{}, fmt.Errorf("append message for user %d failed: %w", userID, err)
	}
	slog.Debug("PostgresStore AppendMessage succeeded", "userID", userID, "direction", direction, "id", id)
	return models.Message{
		ID:                id,
		UserID:            userID,
		Direction:         direction,
		Body:              body,
		ProviderMessageID: providerMessageID,
		CreatedAt:         now,
	}, nil
}

func (s *PostgresStore) MessageExists(providerMessageID string) (bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM messages WHERE provider_message_id = $1`, providerMessageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore MessageExists failed", "error", err, "providerMessageID", providerMessageID)
		return false, fmt.Errorf("message exists check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecentMessages(userID int64, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, direction, body, provider_message_id, created_at
		 FROM messages WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore RecentMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("recent messages for user %d failed: %w", userID, err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		slog.Error("PostgresStore RecentMessages scan failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("recent messages for user %d failed: %w", userID, err)
	}
	reverseMessages(msgs)
	return msgs, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
