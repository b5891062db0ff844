// Package store keeps the customer identity and thread snapshots across
// process restarts, in SQLite or PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"chatsdk/internal/session"
	"chatsdk/internal/thread"
	"chatsdk/internal/token"
)

// Identity keys.
const (
	keyCustomerID  = "customer_id"
	keyVisitorID   = "visitor_id"
	keyFirstName   = "first_name"
	keyLastName    = "last_name"
	keyDeviceToken = "device_token"
	keyToken       = "access_token"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS identity (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		state            INTEGER NOT NULL,
		scroll_token     TEXT NOT NULL DEFAULT '',
		can_add_more     BOOLEAN NOT NULL,
		contact_status   TEXT NOT NULL DEFAULT '',
		custom_fields    TEXT NOT NULL DEFAULT '{}',
		agent            TEXT NOT NULL DEFAULT '',
		position         INTEGER NOT NULL DEFAULT 0,
		agent_available  BOOLEAN NOT NULL,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id            TEXT NOT NULL,
		thread_id     TEXT NOT NULL,
		direction     INTEGER NOT NULL,
		status        INTEGER NOT NULL,
		created_at    BIGINT NOT NULL,
		author        TEXT NOT NULL DEFAULT '',
		body          TEXT NOT NULL DEFAULT '',
		postback      TEXT NOT NULL DEFAULT '',
		content_type  TEXT NOT NULL DEFAULT '',
		attachments   TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (thread_id, id)
	)`,
}

// Store implements session.IdentityStore and thread.Persister.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to dsn. postgres:// and postgresql:// URLs use PostgreSQL;
// anything else is a SQLite path, optionally prefixed with sqlite://.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store DSN cannot be empty")
	}
	driver, source := "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, source = "postgres", dsn
	}

	db, err := sqlx.ConnectContext(ctx, driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("Store opened")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate store: %w", err)
		}
	}
	return nil
}

// Driver is "sqlite" or "postgres".
func (s *Store) Driver() string { return s.driver }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// LoadIdentity implements session.IdentityStore.
func (s *Store) LoadIdentity(ctx context.Context) (session.Identity, bool, error) {
	var rows []struct {
		Key   string `db:"name"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, value FROM identity`); err != nil {
		return session.Identity{}, false, fmt.Errorf("failed to load identity: %w", err)
	}
	if len(rows) == 0 {
		return session.Identity{}, false, nil
	}

	var id session.Identity
	for _, r := range rows {
		switch r.Key {
		case keyCustomerID:
			id.CustomerID = r.Value
		case keyVisitorID:
			id.VisitorID = r.Value
		case keyFirstName:
			id.FirstName = r.Value
		case keyLastName:
			id.LastName = r.Value
		case keyDeviceToken:
			id.DeviceToken = r.Value
		case keyToken:
			var tok token.AccessToken
			if err := json.Unmarshal([]byte(r.Value), &tok); err != nil {
				log.Warn().Err(err).Msg("Ignoring unreadable stored token")
				continue
			}
			id.Token = &tok
		}
	}
	return id, true, nil
}

// SaveIdentity implements session.IdentityStore. The authorization code is
// never stored.
func (s *Store) SaveIdentity(ctx context.Context, id session.Identity) error {
	values := map[string]string{
		keyCustomerID:  id.CustomerID,
		keyVisitorID:   id.VisitorID,
		keyFirstName:   id.FirstName,
		keyLastName:    id.LastName,
		keyDeviceToken: id.DeviceToken,
	}
	if id.Token != nil {
		raw, err := json.Marshal(id.Token)
		if err != nil {
			return err
		}
		values[keyToken] = string(raw)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM identity`); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	insert := tx.Rebind(`INSERT INTO identity (name, value) VALUES (?, ?)`)
	for k, v := range values {
		if v == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, insert, k, v); err != nil {
			return fmt.Errorf("failed to save identity: %w", err)
		}
	}
	return tx.Commit()
}

// ClearIdentity implements session.IdentityStore.
func (s *Store) ClearIdentity(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM identity`)
	return err
}

type threadRow struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	State          int    `db:"state"`
	ScrollToken    string `db:"scroll_token"`
	CanAddMore     bool   `db:"can_add_more"`
	ContactStatus  string `db:"contact_status"`
	CustomFields   string `db:"custom_fields"`
	Agent          string `db:"agent"`
	Position       int    `db:"position"`
	AgentAvailable bool   `db:"agent_available"`
	UpdatedAt      int64  `db:"updated_at"`
}

type messageRow struct {
	ID          string `db:"id"`
	ThreadID    string `db:"thread_id"`
	Direction   int    `db:"direction"`
	Status      int    `db:"status"`
	CreatedAt   int64  `db:"created_at"`
	Author      string `db:"author"`
	Text        string `db:"body"`
	Postback    string `db:"postback"`
	ContentType string `db:"content_type"`
	Attachments string `db:"attachments"`
}

const upsertThread = `INSERT INTO threads
	(id, name, state, scroll_token, can_add_more, contact_status, custom_fields, agent, position, agent_available, updated_at)
	VALUES (:id, :name, :state, :scroll_token, :can_add_more, :contact_status, :custom_fields, :agent, :position, :agent_available, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		state = excluded.state,
		scroll_token = excluded.scroll_token,
		can_add_more = excluded.can_add_more,
		contact_status = excluded.contact_status,
		custom_fields = excluded.custom_fields,
		agent = excluded.agent,
		position = excluded.position,
		agent_available = excluded.agent_available,
		updated_at = excluded.updated_at`

const insertMessage = `INSERT INTO messages
	(id, thread_id, direction, status, created_at, author, body, postback, content_type, attachments)
	VALUES (:id, :thread_id, :direction, :status, :created_at, :author, :body, :postback, :content_type, :attachments)`

// SaveThread implements thread.Persister. Messages still being sent are
// not stored.
func (s *Store) SaveThread(ctx context.Context, t thread.Thread) error {
	row, err := toThreadRow(t)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, upsertThread, row); err != nil {
		return fmt.Errorf("failed to save thread %s: %w", t.ID, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE thread_id = ?`), t.ID); err != nil {
		return fmt.Errorf("failed to save thread %s: %w", t.ID, err)
	}
	for _, m := range t.Messages {
		if m.Status == thread.Sending {
			continue
		}
		mr, err := toMessageRow(t.ID, m)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertMessage, mr); err != nil {
			return fmt.Errorf("failed to save message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// LoadThreads implements thread.Persister.
func (s *Store) LoadThreads(ctx context.Context) ([]thread.Thread, error) {
	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM threads ORDER BY updated_at DESC, id`); err != nil {
		return nil, fmt.Errorf("failed to load threads: %w", err)
	}
	var msgs []messageRow
	if err := s.db.SelectContext(ctx, &msgs, `SELECT * FROM messages ORDER BY thread_id, created_at, id`); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	byThread := make(map[string][]thread.Message, len(rows))
	for _, mr := range msgs {
		m, err := fromMessageRow(mr)
		if err != nil {
			return nil, err
		}
		byThread[mr.ThreadID] = append(byThread[mr.ThreadID], m)
	}

	out := make([]thread.Thread, 0, len(rows))
	for _, r := range rows {
		t, err := fromThreadRow(r)
		if err != nil {
			return nil, err
		}
		t.Messages = byThread[r.ID]
		out = append(out, t)
	}
	return out, nil
}

// DeleteThreads implements thread.Persister.
func (s *Store) DeleteThreads(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads`); err != nil {
		return err
	}
	return tx.Commit()
}

func toThreadRow(t thread.Thread) (threadRow, error) {
	fields := t.CustomFields
	if fields == nil {
		fields = map[string]string{}
	}
	rawFields, err := json.Marshal(fields)
	if err != nil {
		return threadRow{}, err
	}
	agent := ""
	if t.Agent != nil {
		raw, err := json.Marshal(t.Agent)
		if err != nil {
			return threadRow{}, err
		}
		agent = string(raw)
	}
	return threadRow{
		ID:             t.ID,
		Name:           t.Name,
		State:          int(t.State),
		ScrollToken:    t.ScrollToken,
		CanAddMore:     t.CanAddMoreMessages,
		ContactStatus:  t.ContactStatus,
		CustomFields:   string(rawFields),
		Agent:          agent,
		Position:       t.PositionInQueue,
		AgentAvailable: t.AgentAvailable,
		UpdatedAt:      t.UpdatedAt.UnixMilli(),
	}, nil
}

func fromThreadRow(r threadRow) (thread.Thread, error) {
	t := thread.Thread{
		ID:                 r.ID,
		Name:               r.Name,
		State:              thread.State(r.State),
		ScrollToken:        r.ScrollToken,
		CanAddMoreMessages: r.CanAddMore,
		ContactStatus:      r.ContactStatus,
		PositionInQueue:    r.Position,
		AgentAvailable:     r.AgentAvailable,
		UpdatedAt:          time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.CustomFields != "" && r.CustomFields != "{}" {
		if err := json.Unmarshal([]byte(r.CustomFields), &t.CustomFields); err != nil {
			return thread.Thread{}, fmt.Errorf("thread %s custom fields: %w", r.ID, err)
		}
	}
	if r.Agent != "" {
		t.Agent = &thread.Agent{}
		if err := json.Unmarshal([]byte(r.Agent), t.Agent); err != nil {
			return thread.Thread{}, fmt.Errorf("thread %s agent: %w", r.ID, err)
		}
	}
	return t, nil
}

func toMessageRow(threadID string, m thread.Message) (messageRow, error) {
	atts := m.Attachments
	if atts == nil {
		atts = []thread.Attachment{}
	}
	raw, err := json.Marshal(atts)
	if err != nil {
		return messageRow{}, err
	}
	return messageRow{
		ID:          m.ID,
		ThreadID:    threadID,
		Direction:   int(m.Direction),
		Status:      int(m.Status),
		CreatedAt:   m.CreatedAt.UnixMilli(),
		Author:      m.Author,
		Text:        m.Text,
		Postback:    m.Postback,
		ContentType: m.ContentType,
		Attachments: string(raw),
	}, nil
}

func fromMessageRow(r messageRow) (thread.Message, error) {
	m := thread.Message{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		Direction:   thread.Direction(r.Direction),
		Status:      thread.Status(r.Status),
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
		Author:      r.Author,
		Text:        r.Text,
		Postback:    r.Postback,
		ContentType: r.ContentType,
	}
	if r.Attachments != "" && r.Attachments != "[]" {
		if err := json.Unmarshal([]byte(r.Attachments), &m.Attachments); err != nil {
			return thread.Message{}, fmt.Errorf("message %s attachments: %w", r.ID, err)
		}
	}
	return m, nil
}

var (
	_ session.IdentityStore = (*Store)(nil)
	_ thread.Persister      = (*Store)(nil)
)
