package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whisper/directchat/internal/chat"
)

// Postgres implements Gateway on PostgreSQL.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle for migrations.
func (p *Postgres) DB() *sqlx.DB { return p.db }

// Close closes the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func persistErr(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %w", op, chat.ErrPersistence, err)
}

type userRow struct {
	ID        string     `db:"id"`
	Name      string     `db:"name"`
	Email     string     `db:"email"`
	AvatarURL string     `db:"avatar_url"`
	IsOnline  bool       `db:"is_online"`
	LastSeen  *time.Time `db:"last_seen"`
}

func (r userRow) user() chat.User {
	return chat.User{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email,
		AvatarURL: r.AvatarURL,
		IsOnline:  r.IsOnline,
		LastSeen:  utcPtr(r.LastSeen),
	}
}

func (p *Postgres) CreateUser(ctx context.Context, u chat.User) (chat.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO users (id, name, email, avatar_url)
		VALUES ($1, $2, $3, $4)`
	if _, err := p.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.AvatarURL); err != nil {
		return chat.User{}, persistErr("create user", err)
	}
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (chat.User, error) {
	const query = `
		SELECT id, name, email, avatar_url, is_online, last_seen
		FROM users WHERE id = $1`
	var row userRow
	if err := p.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.User{}, fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
		}
		return chat.User{}, persistErr("get user", err)
	}
	return row.user(), nil
}

func (p *Postgres) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	const query = `UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`
	if _, err := p.db.ExecContext(ctx, query, userID, online, lastSeen.UTC()); err != nil {
		return persistErr("set presence", err)
	}
	return nil
}

// chatRow is one chat joined with both participant rows.
type chatRow struct {
	ID              string     `db:"id"`
	LastMessage     *string    `db:"last_message"`
	LastMessageTime *time.Time `db:"last_message_time"`
	CreatedAt       time.Time  `db:"created_at"`

	LowID       string     `db:"low_id"`
	LowName     string     `db:"low_name"`
	LowAvatar   string     `db:"low_avatar"`
	LowOnline   bool       `db:"low_online"`
	LowLastSeen *time.Time `db:"low_last_seen"`

	HighID       string     `db:"high_id"`
	HighName     string     `db:"high_name"`
	HighAvatar   string     `db:"high_avatar"`
	HighOnline   bool       `db:"high_online"`
	HighLastSeen *time.Time `db:"high_last_seen"`
}

func (r chatRow) chat() chat.Chat {
	return chat.Chat{
		ID: r.ID,
		Participants: []chat.UserSummary{
			{ID: r.LowID, Name: r.LowName, AvatarURL: r.LowAvatar, IsOnline: r.LowOnline, LastSeen: utcPtr(r.LowLastSeen)},
			{ID: r.HighID, Name: r.HighName, AvatarURL: r.HighAvatar, IsOnline: r.HighOnline, LastSeen: utcPtr(r.HighLastSeen)},
		},
		LastMessage:     r.LastMessage,
		LastMessageTime: utcPtr(r.LastMessageTime),
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

const chatSelect = `
	SELECT c.id, c.last_message, c.last_message_time, c.created_at,
	       ul.id AS low_id, ul.name AS low_name, ul.avatar_url AS low_avatar,
	       ul.is_online AS low_online, ul.last_seen AS low_last_seen,
	       uh.id AS high_id, uh.name AS high_name, uh.avatar_url AS high_avatar,
	       uh.is_online AS high_online, uh.last_seen AS high_last_seen
	FROM chats c
	JOIN users ul ON ul.id = c.user_low
	JOIN users uh ON uh.id = c.user_high`

func (p *Postgres) GetOrCreateChat(ctx context.Context, a, b string) (*chat.Chat, bool, error) {
	if a == b {
		return nil, false, fmt.Errorf("store: chat with self: %w", chat.ErrValidation)
	}
	low, high := chat.OrderedPair(a, b)

	// The unique pair constraint makes concurrent creates converge on one row.
	const insert = `
		INSERT INTO chats (id, user_low, user_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO NOTHING
		RETURNING id`
	var id string
	created := true
	err := p.db.QueryRowxContext(ctx, insert, uuid.NewString(), low, high).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		created = false
		err = p.db.GetContext(ctx, &id,
			`SELECT id FROM chats WHERE user_low = $1 AND user_high = $2`, low, high)
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return nil, false, fmt.Errorf("store: chat participant: %w", chat.ErrNotFound)
		}
		return nil, false, persistErr("create chat", err)
	}

	c, err := p.GetChat(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

func (p *Postgres) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	var row chatRow
	if err := p.db.GetContext(ctx, &row, chatSelect+` WHERE c.id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: chat %s: %w", id, chat.ErrNotFound)
		}
		return nil, persistErr("get chat", err)
	}
	c := row.chat()
	return &c, nil
}

func (p *Postgres) ListChatsForUser(ctx context.Context, userID string) ([]chat.Chat, error) {
	query := chatSelect + `
		WHERE c.user_low = $1 OR c.user_high = $1
		ORDER BY c.last_message_time DESC NULLS LAST, c.created_at DESC`
	var rows []chatRow
	if err := p.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, persistErr("list chats", err)
	}
	chats := make([]chat.Chat, 0, len(rows))
	for _, r := range rows {
		chats = append(chats, r.chat())
	}
	return chats, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, m *chat.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if len(m.ReadBy) == 0 {
		m.ReadBy = []string{m.SenderID}
	}
	const query = `
		INSERT INTO messages (id, chat_id, sender_id, text, created_at, read_by)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.ExecContext(ctx, query,
		m.ID, m.ChatID, m.SenderID, m.Text, m.CreatedAt.UTC(), pq.StringArray(m.ReadBy))
	if err != nil {
		return persistErr("create message", err)
	}
	return nil
}

func (p *Postgres) UpdateChatSummary(ctx context.Context, chatID, preview string, at time.Time) error {
	const query = `
		UPDATE chats SET last_message = $2, last_message_time = $3
		WHERE id = $1`
	res, err := p.db.ExecContext(ctx, query, chatID, preview, at.UTC())
	if err != nil {
		return persistErr("update chat summary", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: chat %s: %w", chatID, chat.ErrNotFound)
	}
	return nil
}

type messageRow struct {
	ID        string         `db:"id"`
	ChatID    string         `db:"chat_id"`
	SenderID  string         `db:"sender_id"`
	Text      string         `db:"text"`
	CreatedAt time.Time      `db:"created_at"`
	ReadBy    pq.StringArray `db:"read_by"`

	SenderName     string     `db:"sender_name"`
	SenderAvatar   string     `db:"sender_avatar"`
	SenderOnline   bool       `db:"sender_online"`
	SenderLastSeen *time.Time `db:"sender_last_seen"`
}

func (p *Postgres) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	const query = `
		SELECT m.id, m.chat_id, m.sender_id, m.text, m.created_at, m.read_by,
		       u.name AS sender_name, u.avatar_url AS sender_avatar,
		       u.is_online AS sender_online, u.last_seen AS sender_last_seen
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at ASC, m.seq ASC`
	var rows []messageRow
	if err := p.db.SelectContext(ctx, &rows, query, chatID); err != nil {
		return nil, persistErr("list messages", err)
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, chat.Message{
			ID:       r.ID,
			ChatID:   r.ChatID,
			SenderID: r.SenderID,
			Sender: &chat.UserSummary{
				ID:        r.SenderID,
				Name:      r.SenderName,
				AvatarURL: r.SenderAvatar,
				IsOnline:  r.SenderOnline,
				LastSeen:  utcPtr(r.SenderLastSeen),
			},
			Text:      r.Text,
			CreatedAt: r.CreatedAt.UTC(),
			ReadBy:    []string(r.ReadBy),
		})
	}
	return msgs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
