package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// MemStore is an in-memory Store for engine tests that don't need Postgres.
// WithTx runs the function directly: the fake has no rollback, so tests
// asserting atomicity belong in the Postgres store tests.
type MemStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	contacts map[string]*models.Contact
	threads  map[string]*models.Thread
	messages map[string]*models.Message
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[string]*models.Account),
		contacts: make(map[string]*models.Contact),
		threads:  make(map[string]*models.Thread),
		messages: make(map[string]*models.Message),
	}
}

var _ store.Store = (*MemStore)(nil)

// AddAccount registers an account, assigning an ID if absent.
func (m *MemStore) AddAccount(account *models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	m.accounts[account.ID] = account
}

// AddMessage stores a message directly, bypassing AppendMessage bookkeeping.
func (m *MemStore) AddMessage(message *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	m.messages[message.ID] = message
}

// Messages returns a snapshot of all stored messages.
func (m *MemStore) Messages() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg)
	}
	return out
}

// Threads returns a snapshot of all stored threads.
func (m *MemStore) Threads() []*models.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Thread, 0, len(m.threads))
	for _, th := range m.threads {
		out = append(out, th)
	}
	return out
}

// Contacts returns a snapshot of all stored contacts.
func (m *MemStore) Contacts() []*models.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	return out
}

// Message returns a stored message by its internal ID, or nil.
func (m *MemStore) Message(id string) *models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id]
}

func (m *MemStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (m *MemStore) ListActiveAccounts(_ context.Context) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Account
	for _, account := range m.accounts {
		if account.IsActive {
			out = append(out, account)
		}
	}
	return out, nil
}

func (m *MemStore) ListIdleAccounts(_ context.Context) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Account
	for _, account := range m.accounts {
		if account.IsActive && account.UseIdle {
			out = append(out, account)
		}
	}
	return out, nil
}

func (m *MemStore) FindMessageByMessageID(_ context.Context, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, store.ErrMessageNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.MessageID == messageID {
			return msg, nil
		}
	}
	return nil, store.ErrMessageNotFound
}

func (m *MemStore) FindThreadByMessageIDs(ctx context.Context, messageIDs []string) (*models.Thread, error) {
	for _, id := range messageIDs {
		msg, err := m.FindMessageByMessageID(ctx, id)
		if err != nil {
			continue
		}
		if msg.ThreadID == "" {
			continue
		}
		m.mu.Lock()
		thread := m.threads[msg.ThreadID]
		m.mu.Unlock()
		if thread != nil {
			return thread, nil
		}
	}
	return nil, store.ErrThreadNotFound
}

func (m *MemStore) UpsertContact(_ context.Context, email, name string) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if contact, ok := m.contacts[key]; ok {
		return contact, nil
	}
	contact := &models.Contact{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.contacts[key] = contact
	return contact, nil
}

func (m *MemStore) CreateThread(_ context.Context, thread *models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	thread.CreatedAt = time.Now()
	thread.UpdatedAt = thread.CreatedAt
	m.threads[thread.ID] = thread
	return nil
}

func (m *MemStore) AppendMessage(_ context.Context, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = time.Now()
	message.UpdatedAt = message.CreatedAt
	m.messages[message.ID] = message
	return nil
}

func (m *MemStore) UpdateThreadActivity(_ context.Context, threadID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return store.ErrThreadNotFound
	}
	if thread.LastMessageAt == nil || at.After(*thread.LastMessageAt) {
		thread.LastMessageAt = &at
	}
	thread.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SelectPendingOutgoing(_ context.Context, accountID string, includeFailed bool) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, msg := range m.messages {
		if msg.Direction != models.DirectionOutgoing {
			continue
		}
		if accountID != "" && msg.AccountID != accountID {
			continue
		}
		switch msg.Status {
		case models.StatusDraft, models.StatusSending:
		case models.StatusFailed:
			if !includeFailed {
				continue
			}
		default:
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *MemStore) UpdateMessageStatus(_ context.Context, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.messages[message.ID]
	if !ok {
		return store.ErrMessageNotFound
	}
	stored.Status = message.Status
	stored.ThreadID = message.ThreadID
	stored.MessageID = message.MessageID
	stored.BodyText = message.BodyText
	stored.RawMessage = message.RawMessage
	stored.ErrorCode = message.ErrorCode
	stored.ErrorMessage = message.ErrorMessage
	stored.SentAt = message.SentAt
	stored.DeliveredAt = message.DeliveredAt
	stored.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(m)
}
