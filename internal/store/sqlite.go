package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/mattn/go-sqlite3"

	"github.com/textpilot/textpilot/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time checks that SQLiteStore implements the storage contracts.
var (
	_ Store      = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindOrCreateUser(phoneNumber string) (models.User, bool, error) {
	// The uniqueness constraint on phone_number decides the race between
	// concurrent first messages; only the winning insert reports isNew.
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO users (phone_number, onboarding_stage, subscription_status, created_at) VALUES (?, ?, ?, ?)`,
		phoneNumber, models.StageNew, models.SubscriptionNone, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore FindOrCreateUser insert failed", "error", err, "phone", phoneNumber)
		return models.User{}, false, fmt.Errorf("find or create user %s failed: %w", phoneNumber, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return models.User{}, false, fmt.Errorf("find or create user %s failed: %w", phoneNumber, err)
	}

	user, err := s.GetUser(phoneNumber)
	if err != nil {
		return models.User{}, false, err
	}
	if inserted > 0 {
		slog.Info("SQLiteStore created user", "phone", phoneNumber, "id", user.ID)
	}
	return user, inserted > 0, nil
}

func (s *SQLiteStore) GetUser(phoneNumber string) (models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, phone_number, display_name, timezone, onboarding_stage, subscription_status, trial_started_at, created_at
		 FROM users WHERE phone_number = ?`, phoneNumber)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return models.User{}, models.ErrUserNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "phone", phoneNumber)
		return models.User{}, fmt.Errorf("get user %s failed: %w", phoneNumber, err)
	}
	return user, nil
}

func (s *SQLiteStore) UpdateUser(phoneNumber string, update models.UserUpdate) (models.User, error) {
	set, args := buildUserUpdate(update, qmark)
	if len(set) > 0 {
		args = append(args, phoneNumber)
		query := fmt.Sprintf(`UPDATE users SET %s WHERE phone_number = ?`, strings.Join(set, ", "))
		if _, err := s.db.Exec(query, args...); err != nil {
			slog.Error("SQLiteStore UpdateUser failed", "error", err, "phone", phoneNumber)
			return models.User{}, fmt.Errorf("update user %s failed: %w", phoneNumber, err)
		}
	}
	return s.GetUser(phoneNumber)
}

func (s *SQLiteStore) AdvanceUserStage(phoneNumber string, from, to models.OnboardingStage, update models.UserUpdate) (bool, error) {
	set, args := buildUserUpdate(update, qmark)
	set = append(set, "onboarding_stage = ?")
	args = append(args, to, phoneNumber, from)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE phone_number = ? AND onboarding_stage = ?`, strings.Join(set, ", "))
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("SQLiteStore AdvanceUserStage failed", "error", err, "phone", phoneNumber, "from", from, "to", to)
		return false, fmt.Errorf("advance stage for %s failed: %w", phoneNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance stage for %s failed: %w", phoneNumber, err)
	}
	if n == 0 {
		slog.Warn("SQLiteStore AdvanceUserStage found stage changed concurrently", "phone", phoneNumber, "expected", from)
		return false, nil
	}
	slog.Info("SQLiteStore AdvanceUserStage succeeded", "phone", phoneNumber, "from", from, "to", to)
	return true, nil
}

func (s *SQLiteStore) SetSubscriptionStatus(phoneNumber string, from, to models.SubscriptionStatus) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE users SET subscription_status = ? WHERE phone_number = ? AND subscription_status = ?`,
		to, phoneNumber, from,
	)
	if err != nil {
		slog.Error("SQLiteStore SetSubscriptionStatus failed", "error", err, "phone", phoneNumber, "from", from, "to", to)
		return false, fmt.Errorf("set subscription status for %s failed: %w", phoneNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set subscription status for %s failed: %w", phoneNumber, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ExpireTrialsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE users SET subscription_status = ? WHERE subscription_status = ? AND trial_started_at < ?`,
		models.SubscriptionExpired, models.SubscriptionTrial, cutoff,
	)
	if err != nil {
		slog.Error("SQLiteStore ExpireTrialsBefore failed", "error", err)
		return 0, fmt.Errorf("expire trials failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire trials failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AppendMessage(userID int64, direction models.MessageDirection, body, providerMessageID string) (models.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO messages (user_id, direction, body, provider_message_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, direction, body, nilIfEmpty(providerMessageID), now,
	)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			slog.Debug("SQLiteStore AppendMessage duplicate provider message id", "providerMessageID", providerMessageID)
			return models.Message{}, models.ErrDuplicateMessage
		}
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "userID", userID, "direction", direction)
		return models.Message{}, fmt.Errorf("append message for user %d failed: %w", userID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("append message for user %d failed: %w", userID, err)
	}
	slog.Debug("SQLiteStore AppendMessage succeeded", "userID", userID, "direction", direction, "id", id)
	return models.Message{
		ID:                id,
		UserID:            userID,
		Direction:         direction,
		Body:              body,
		ProviderMessageID: providerMessageID,
		CreatedAt:         now,
	}, nil
}

func (s *SQLiteStore) MessageExists(providerMessageID string) (bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM messages WHERE provider_message_id = ?`, providerMessageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore MessageExists failed", "error", err, "providerMessageID", providerMessageID)
		return false, fmt.Errorf("message exists check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecentMessages(userID int64, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, direction, body, provider_message_id, created_at
		 FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore RecentMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("recent messages for user %d failed: %w", userID, err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		slog.Error("SQLiteStore RecentMessages scan failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("recent messages for user %d failed: %w", userID, err)
	}
	reverseMessages(msgs)
	return msgs, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
