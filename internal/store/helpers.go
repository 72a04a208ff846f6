package store

import (
	"database/sql"
	"fmt"

	"github.com/textpilot/textpilot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUser scans a User from a row with the canonical column order.
func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var displayName, timezone sql.NullString
	var trialStartedAt sql.NullTime
	err := row.Scan(
		&u.ID, &u.PhoneNumber, &displayName, &timezone,
		&u.OnboardingStage, &u.SubscriptionStatus, &trialStartedAt, &u.CreatedAt,
	)
	if err != nil {
		return u, err
	}
	u.DisplayName = displayName.String
	u.Timezone = timezone.String
	if trialStartedAt.Valid {
		t := trialStartedAt.Time
		u.TrialStartedAt = &t
	}
	return u, nil
}

// collectMessages scans all rows into messages, newest first as queried.
func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var providerMessageID sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Direction, &m.Body, &providerMessageID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ProviderMessageID = providerMessageID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// reverseMessages flips a newest-first result into oldest-first order for
// prompt construction.
func reverseMessages(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// collectOutboxMessages scans all rows into outbox messages.
func collectOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var nextAttemptAt sql.NullTime
		var lastError sql.NullString
		err := rows.Scan(
			&m.ID, &m.Recipient, &m.Body, &m.Status, &m.Attempts,
			&nextAttemptAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		m.LastError = lastError.String
		if nextAttemptAt.Valid {
			t := nextAttemptAt.Time
			m.NextAttemptAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// buildUserUpdate renders the SET fragments and args for the optional fields
// of a UserUpdate. ph renders the placeholder for the 1-based arg position,
// so both "?" (SQLite) and "$n" (Postgres) styles work; callers continue the
// numbering for any WHERE clause args they append.
func buildUserUpdate(update models.UserUpdate, ph func(i int) string) ([]string, []interface{}) {
	var set []string
	var args []interface{}
	next := func() string { return ph(len(args) + 1) }
	if update.DisplayName != nil {
		set = append(set, "display_name = "+next())
		args = append(args, *update.DisplayName)
	}
	if update.Timezone != nil {
		set = append(set, "timezone = "+next())
		args = append(args, *update.Timezone)
	}
	if update.SubscriptionStatus != nil {
		set = append(set, "subscription_status = "+next())
		args = append(args, *update.SubscriptionStatus)
	}
	if update.TrialStartedAt != nil {
		set = append(set, "trial_started_at = "+next())
		args = append(args, *update.TrialStartedAt)
	}
	return set, args
}

// qmark is the placeholder renderer for SQLite.
func qmark(int) string { return "?" }

// dollar is the placeholder renderer for Postgres.
func dollar(i int) string { return fmt.Sprintf("$%d", i) }
