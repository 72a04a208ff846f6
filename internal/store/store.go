// Package store provides storage backends for TextPilot.
//
// It defines the user store and append-only message log contracts and ships
// SQLite and PostgreSQL implementations plus an in-memory store for tests.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/textpilot/textpilot/internal/models"
)

// Store is the persistence contract for users and the message log.
//
// FindOrCreateUser must be atomic under concurrent first contact from the
// same number: the uniqueness constraint on phone_number decides the race,
// and isNew is true only on the call that performed the insert.
// AdvanceUserStage and SetSubscriptionStatus are single-row conditional
// updates keyed on the expected current value, so a racing request can never
// double-advance a user.
type Store interface {
	FindOrCreateUser(phoneNumber string) (models.User, bool, error)
	GetUser(phoneNumber string) (models.User, error)
	UpdateUser(phoneNumber string, update models.UserUpdate) (models.User, error)
	AdvanceUserStage(phoneNumber string, from, to models.OnboardingStage, update models.UserUpdate) (bool, error)
	SetSubscriptionStatus(phoneNumber string, from, to models.SubscriptionStatus) (bool, error)
	ExpireTrialsBefore(cutoff time.Time) (int64, error)

	// AppendMessage is the only mutation on the message log. It returns
	// models.ErrDuplicateMessage when providerMessageID collides with an
	// existing row (redelivered webhook).
	AppendMessage(userID int64, direction models.MessageDirection, body, providerMessageID string) (models.Message, error)
	MessageExists(providerMessageID string) (bool, error)
	// RecentMessages returns up to limit messages for the user, oldest first,
	// for AI prompt construction.
	RecentMessages(userID int64, limit int) ([]models.Message, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a Store and OutboxRepo kept entirely in memory, used by
// unit tests and local experiments.
type InMemoryStore struct {
	mu       sync.Mutex
	users    map[string]*models.User // keyed by phone number
	messages []models.Message
	outbox   map[string]*OutboxMessage
	nextUser int64
	nextMsg  int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:  make(map[string]*models.User),
		outbox: make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) FindOrCreateUser(phoneNumber string) (models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[phoneNumber]; ok {
		return *u, false, nil
	}
	s.nextUser++
	u := &models.User{
		ID:                 s.nextUser,
		PhoneNumber:        phoneNumber,
		OnboardingStage:    models.StageNew,
		SubscriptionStatus: models.SubscriptionNone,
		CreatedAt:          time.Now().UTC(),
	}
	s.users[phoneNumber] = u
	return *u, true, nil
}

func (s *InMemoryStore) GetUser(phoneNumber string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phoneNumber]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return *u, nil
}

func applyUpdate(u *models.User, update models.UserUpdate) {
	if update.DisplayName != nil {
		u.DisplayName = *update.DisplayName
	}
	if update.Timezone != nil {
		u.Timezone = *update.Timezone
	}
	if update.SubscriptionStatus != nil {
		u.SubscriptionStatus = *update.SubscriptionStatus
	}
	if update.TrialStartedAt != nil {
		u.TrialStartedAt = update.TrialStartedAt
	}
}

func (s *InMemoryStore) UpdateUser(phoneNumber string, update models.UserUpdate) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phoneNumber]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	applyUpdate(u, update)
	return *u, nil
}

func (s *InMemoryStore) AdvanceUserStage(phoneNumber string, from, to models.OnboardingStage, update models.UserUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phoneNumber]
	if !ok {
		return false, models.ErrUserNotFound
	}
	if u.OnboardingStage != from {
		return false, nil
	}
	u.OnboardingStage = to
	applyUpdate(u, update)
	return true, nil
}

func (s *InMemoryStore) SetSubscriptionStatus(phoneNumber string, from, to models.SubscriptionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phoneNumber]
	if !ok {
		return false, models.ErrUserNotFound
	}
	if u.SubscriptionStatus != from {
		return false, nil
	}
	u.SubscriptionStatus = to
	return true, nil
}

func (s *InMemoryStore) ExpireTrialsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, u := range s.users {
		if u.SubscriptionStatus == models.SubscriptionTrial && u.TrialStartedAt != nil && u.TrialStartedAt.Before(cutoff) {
			u.SubscriptionStatus = models.SubscriptionExpired
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendMessage(userID int64, direction models.MessageDirection, body, providerMessageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if providerMessageID != "" {
		for _, m := range s.messages {
			if m.ProviderMessageID == providerMessageID {
				return models.Message{}, models.ErrDuplicateMessage
			}
		}
	}
	s.nextMsg++
	m := models.Message{
		ID:                s.nextMsg,
		UserID:            userID,
		Direction:         direction,
		Body:              body,
		ProviderMessageID: providerMessageID,
		CreatedAt:         time.Now().UTC(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *InMemoryStore) MessageExists(providerMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if providerMessageID != "" && m.ProviderMessageID == providerMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) RecentMessages(userID int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []models.Message
	for _, m := range s.messages {
		if m.UserID == userID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// MessagesForUser returns every message for a user in append order (test helper).
func (s *InMemoryStore) MessagesForUser(userID int64) []models.Message {
	msgs, _ := s.RecentMessages(userID, 0)
	return msgs
}

func (s *InMemoryStore) Close() error { return nil }

// Compile-time checks.
var (
	_ Store      = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) EnqueueOutboxMessage(recipient, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UTC()
	s.outbox[id] = &OutboxMessage{
		ID:        id,
		Recipient: recipient,
		Body:      body,
		Status:    OutboxStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			m.Status = OutboxStatusSending
			m.UpdatedAt = now
			msgs = append(msgs, *m)
			if limit > 0 && len(msgs) >= limit {
				break
			}
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) AbandonOutboxMessage(id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusFailed
		m.LastError = errMsg
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.UpdatedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			n++
		}
	}
	return n, nil
}

// OutboxMessageByID returns a copy of an outbox row (test helper).
func (s *InMemoryStore) OutboxMessageByID(id string) (OutboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return OutboxMessage{}, false
	}
	return *m, true
}
