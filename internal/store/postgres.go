package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// code runs inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db   querier
	pool *pgxpool.Pool // nil inside a transaction
}

// NewPostgres creates a Store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool, pool: pool}
}

// NewConnection creates a new PostgreSQL connection pool with the given configuration.
func NewConnection(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// WithTx runs fn inside a database transaction. Nested calls reuse the
// surrounding transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if p.pool == nil {
		return fn(p)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&Postgres{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const accountColumns = `
	id, email, name,
	smtp_security, smtp_server, smtp_port, smtp_username, smtp_password_encrypted,
	imap_security, imap_server, imap_port, imap_username, imap_password_encrypted,
	is_active, use_idle, idle_folder, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID, &a.Email, &a.Name,
		&a.SMTPSecurity, &a.SMTPServer, &a.SMTPPort, &a.SMTPUsername, &a.EncryptedSMTPPassword,
		&a.IMAPSecurity, &a.IMAPServer, &a.IMAPPort, &a.IMAPUsername, &a.EncryptedIMAPPassword,
		&a.IsActive, &a.UseIdle, &a.IdleFolder, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount returns one account by ID.
func (p *Postgres) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	account, err := scanAccount(p.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (p *Postgres) listAccounts(ctx context.Context, query string) ([]*models.Account, error) {
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// ListActiveAccounts returns all accounts with is_active set.
func (p *Postgres) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return p.listAccounts(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_active
		ORDER BY created_at
	`)
}

// ListIdleAccounts returns the active accounts that have IDLE monitoring enabled.
func (p *Postgres) ListIdleAccounts(ctx context.Context) ([]*models.Account, error) {
	return p.listAccounts(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_active AND use_idle
		ORDER BY created_at
	`)
}

const messageColumns = `
	id, account_id, thread_id, contact_id,
	direction, status,
	message_id, in_reply_to, references_list,
	from_email, from_name, to_emails, cc_emails, bcc_emails,
	subject, body_text, body_html, headers, raw_message,
	error_code, error_message,
	created_at, updated_at, sent_at, delivered_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var threadID, contactID *string
	err := row.Scan(
		&m.ID, &m.AccountID, &threadID, &contactID,
		&m.Direction, &m.Status,
		&m.MessageID, &m.InReplyTo, &m.References,
		&m.FromEmail, &m.FromName, &m.ToEmails, &m.CCEmails, &m.BCCEmails,
		&m.Subject, &m.BodyText, &m.BodyHTML, &m.Headers, &m.RawMessage,
		&m.ErrorCode, &m.ErrorMessage,
		&m.CreatedAt, &m.UpdatedAt, &m.SentAt, &m.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	if threadID != nil {
		m.ThreadID = *threadID
	}
	if contactID != nil {
		m.ContactID = *contactID
	}
	return &m, nil
}

// FindMessageByMessageID returns the message carrying the given Message-ID
// header. Empty IDs never match.
func (p *Postgres) FindMessageByMessageID(ctx context.Context, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, ErrMessageNotFound
	}

	message, err := scanMessage(p.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE message_id = $1
	`, messageID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return message, nil
}

// FindThreadByMessageIDs returns the thread of the first stored message ID,
// scanning the slice left to right.
func (p *Postgres) FindThreadByMessageIDs(ctx context.Context, messageIDs []string) (*models.Thread, error) {
	// References lists are short; one indexed lookup per ID preserves the
	// first-match-wins ordering that a single ANY() query would lose.
	for _, id := range messageIDs {
		message, err := p.FindMessageByMessageID(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p.getThread(ctx, message.ThreadID)
	}
	return nil, ErrThreadNotFound
}

const threadColumns = `
	id, account_id, contact_id, subject, participants,
	is_active, is_archived, last_message_at, created_at, updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	var contactID *string
	err := row.Scan(
		&t.ID, &t.AccountID, &contactID, &t.Subject, &t.Participants,
		&t.IsActive, &t.IsArchived, &t.LastMessageAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if contactID != nil {
		t.ContactID = *contactID
	}
	return &t, nil
}

func (p *Postgres) getThread(ctx context.Context, id string) (*models.Thread, error) {
	thread, err := scanThread(p.db.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE id = $1
	`, id))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// UpsertContact creates a contact for the email address if absent and returns
// it. Addresses compare case-insensitively; the first-seen spelling and name
// survive later upserts. The no-op DO UPDATE makes the insert return the
// existing row without touching it.
func (p *Postgres) UpsertContact(ctx context.Context, email, name string) (*models.Contact, error) {
	var c models.Contact
	err := p.db.QueryRow(ctx, `
		INSERT INTO contacts (email, name)
		VALUES ($1, $2)
		ON CONFLICT (lower(email)) DO UPDATE SET email = contacts.email
		RETURNING id, email, name, is_active, created_at, updated_at
	`, email, name).Scan(&c.ID, &c.Email, &c.Name, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return &c, nil
}

// CreateThread inserts a new thread and fills in its generated ID.
func (p *Postgres) CreateThread(ctx context.Context, thread *models.Thread) error {
	var contactID *string
	if thread.ContactID != "" {
		contactID = &thread.ContactID
	}

	err := p.db.QueryRow(ctx, `
		INSERT INTO threads (account_id, contact_id, subject, participants, last_message_at)
		VALUES ($1, $2, $3, COALESCE($4, '{}'::text[]), $5)
		RETURNING id, is_active, is_archived, created_at, updated_at
	`,
		thread.AccountID, contactID, thread.Subject, thread.Participants, thread.LastMessageAt,
	).Scan(&thread.ID, &thread.IsActive, &thread.IsArchived, &thread.CreatedAt, &thread.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// AppendMessage inserts a message into its thread.
func (p *Postgres) AppendMessage(ctx context.Context, message *models.Message) error {
	var threadID, contactID *string
	if message.ThreadID != "" {
		threadID = &message.ThreadID
	}
	if message.ContactID != "" {
		contactID = &message.ContactID
	}

	err := p.db.QueryRow(ctx, `
		INSERT INTO messages (
			account_id, thread_id, contact_id,
			direction, status,
			message_id, in_reply_to, references_list,
			from_email, from_name, to_emails, cc_emails, bcc_emails,
			subject, body_text, body_html, headers, raw_message,
			sent_at, delivered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			COALESCE($8, '{}'::text[]),
			$9, $10,
			COALESCE($11, '{}'::text[]),
			COALESCE($12, '{}'::text[]),
			COALESCE($13, '{}'::text[]),
			$14, $15, $16,
			COALESCE($17, '{}'::jsonb),
			$18, $19, $20
		)
		RETURNING id, created_at, updated_at
	`,
		message.AccountID, threadID, contactID,
		message.Direction, message.Status,
		message.MessageID, message.InReplyTo, message.References,
		message.FromEmail, message.FromName, message.ToEmails, message.CCEmails, message.BCCEmails,
		message.Subject, message.BodyText, message.BodyHTML, message.Headers, message.RawMessage,
		message.SentAt, message.DeliveredAt,
	).Scan(&message.ID, &message.CreatedAt, &message.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// UpdateThreadActivity bumps the thread's last-activity timestamp, never
// moving it backward.
func (p *Postgres) UpdateThreadActivity(ctx context.Context, threadID string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE threads
		SET last_message_at = GREATEST(COALESCE(last_message_at, to_timestamp(0)), $2),
		    updated_at = now()
		WHERE id = $1
	`, threadID, at)

	if err != nil {
		return fmt.Errorf("failed to update thread activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// SelectPendingOutgoing returns outgoing messages eligible for delivery,
// oldest first.
func (p *Postgres) SelectPendingOutgoing(ctx context.Context, accountID string, includeFailed bool) ([]*models.Message, error) {
	statuses := []string{string(models.StatusDraft), string(models.StatusSending)}
	if includeFailed {
		statuses = append(statuses, string(models.StatusFailed))
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE direction = 'outgoing' AND status = ANY($1)`
	args := []any{statuses}
	if accountID != "" {
		query += ` AND account_id = $2`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// UpdateMessageStatus persists the message's lifecycle fields.
func (p *Postgres) UpdateMessageStatus(ctx context.Context, message *models.Message) error {
	var threadID *string
	if message.ThreadID != "" {
		threadID = &message.ThreadID
	}

	tag, err := p.db.Exec(ctx, `
		UPDATE messages
		SET status = $2,
		    thread_id = $3,
		    message_id = $4,
		    body_text = $5,
		    raw_message = $6,
		    error_code = $7,
		    error_message = $8,
		    sent_at = $9,
		    delivered_at = $10,
		    updated_at = now()
		WHERE id = $1
	`,
		message.ID, message.Status, threadID, message.MessageID, message.BodyText,
		message.RawMessage, message.ErrorCode, message.ErrorMessage,
		message.SentAt, message.DeliveredAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Ensure Postgres implements the Store interface.
var _ Store = (*Postgres)(nil)
