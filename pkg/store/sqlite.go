package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a HistoryStore backed by a local SQLite file. It serves
// single-instance deployments where running DynamoDB is not worth it.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (and if needed initializes) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows readers to proceed while one writer commits.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS channels (
	name          TEXT PRIMARY KEY,
	is_group_chat INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS join_infos (
	channel      TEXT NOT NULL REFERENCES channels(name),
	user_id      TEXT NOT NULL,
	joined_at    REAL NOT NULL,
	last_read_at REAL NOT NULL DEFAULT 0,
	last_sent_at REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (channel, user_id)
);
CREATE INDEX IF NOT EXISTS idx_join_infos_user ON join_infos(user_id);

CREATE TABLE IF NOT EXISTS messages (
	channel      TEXT NOT NULL,
	published_at REAL NOT NULL,
	writer       TEXT NOT NULL,
	type         TEXT NOT NULL,
	message      TEXT NOT NULL,
	PRIMARY KEY (channel, published_at)
);

CREATE TABLE IF NOT EXISTS withdrawal_logs (
	channel      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	joined_at    REAL NOT NULL,
	last_read_at REAL NOT NULL,
	withdrawn_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	date              TEXT NOT NULL,
	channel           TEXT NOT NULL,
	last_published_at REAL NOT NULL,
	PRIMARY KEY (date, channel)
);
`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateChannelWithMembers(ctx context.Context, name string, userIDs []string, isGroupChat bool) (*Channel, []JoinInfo, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	group := 0
	if isGroupChat {
		group = 1
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO channels (name, is_group_chat) VALUES (?, ?)", name, group); err != nil {
		return nil, nil, fmt.Errorf("failed to insert channel: %w", err)
	}

	now := float64(time.Now().UnixNano()) / 1e9
	infos := make([]JoinInfo, 0, len(userIDs))
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO join_infos (channel, user_id, joined_at) VALUES (?, ?, ?)",
			name, id, now); err != nil {
			return nil, nil, fmt.Errorf("failed to insert join info: %w", err)
		}
		infos = append(infos, JoinInfo{Channel: name, UserID: id, JoinedAt: now})
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &Channel{Name: name, IsGroupChat: isGroupChat}, infos, nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, name string) (*Channel, error) {
	var ch Channel
	var group int
	err := s.conn.QueryRowContext(ctx,
		"SELECT name, is_group_chat FROM channels WHERE name = ?", name).Scan(&ch.Name, &group)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	ch.IsGroupChat = group != 0
	return &ch, nil
}

func (s *SQLiteStore) BatchGetChannels(ctx context.Context, names []string) (map[string]*Channel, error) {
	out := make(map[string]*Channel, len(names))
	if len(names) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}

	rows, err := s.conn.QueryContext(ctx,
		"SELECT name, is_group_chat FROM channels WHERE name IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ch Channel
		var group int
		if err := rows.Scan(&ch.Name, &group); err != nil {
			return nil, err
		}
		ch.IsGroupChat = group != 0
		c := ch
		out[ch.Name] = &c
	}
	return out, rows.Err()
}

func (s *SQLiteStore) JoinInfosByUser(ctx context.Context, userID string) ([]JoinInfo, error) {
	return s.queryJoinInfos(ctx,
		"SELECT channel, user_id, joined_at, last_read_at, last_sent_at FROM join_infos WHERE user_id = ? ORDER BY channel", userID)
}

func (s *SQLiteStore) JoinInfosByChannel(ctx context.Context, channel string) ([]JoinInfo, error) {
	return s.queryJoinInfos(ctx,
		"SELECT channel, user_id, joined_at, last_read_at, last_sent_at FROM join_infos WHERE channel = ? ORDER BY user_id", channel)
}

func (s *SQLiteStore) queryJoinInfos(ctx context.Context, query string, arg string) ([]JoinInfo, error) {
	rows, err := s.conn.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query join infos: %w", err)
	}
	defer rows.Close()

	var out []JoinInfo
	for rows.Next() {
		var info JoinInfo
		if err := rows.Scan(&info.Channel, &info.UserID, &info.JoinedAt, &info.LastReadAt, &info.LastSentAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetJoinInfo(ctx context.Context, channel, userID string) (*JoinInfo, error) {
	var info JoinInfo
	err := s.conn.QueryRowContext(ctx,
		"SELECT channel, user_id, joined_at, last_read_at, last_sent_at FROM join_infos WHERE channel = ? AND user_id = ?",
		channel, userID).Scan(&info.Channel, &info.UserID, &info.JoinedAt, &info.LastReadAt, &info.LastSentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get join info: %w", err)
	}
	return &info, nil
}

func (s *SQLiteStore) PutJoinInfo(ctx context.Context, info *JoinInfo) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO join_infos (channel, user_id, joined_at, last_read_at, last_sent_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(channel, user_id) DO UPDATE SET
	joined_at = excluded.joined_at,
	last_read_at = excluded.last_read_at,
	last_sent_at = excluded.last_sent_at`,
		info.Channel, info.UserID, info.JoinedAt, info.LastReadAt, info.LastSentAt)
	if err != nil {
		return fmt.Errorf("failed to put join info: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteJoinInfo(ctx context.Context, channel, userID string) error {
	_, err := s.conn.ExecContext(ctx,
		"DELETE FROM join_infos WHERE channel = ? AND user_id = ?", channel, userID)
	if err != nil {
		return fmt.Errorf("failed to delete join info: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutWithdrawalLog(ctx context.Context, log *WithdrawalLog) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO withdrawal_logs (channel, user_id, joined_at, last_read_at, withdrawn_at) VALUES (?, ?, ?, ?, ?)",
		log.Channel, log.UserID, log.JoinedAt, log.LastReadAt, log.WithdrawnAt)
	if err != nil {
		return fmt.Errorf("failed to put withdrawal log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutUsageLog(ctx context.Context, log *UsageLog) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO usage_logs (date, channel, last_published_at)
VALUES (?, ?, ?)
ON CONFLICT(date, channel) DO UPDATE SET last_published_at = excluded.last_published_at`,
		log.Date, log.Channel, log.LastPublishedAt)
	if err != nil {
		return fmt.Errorf("failed to put usage log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutMessage(ctx context.Context, msg *Message) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO messages (channel, published_at, writer, type, message) VALUES (?, ?, ?, ?, ?)",
		msg.Channel, msg.PublishedAt, msg.Writer, msg.Type, msg.Message)
	if err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryMessages(ctx context.Context, channel string, q MessageQuery) ([]Message, error) {
	query := "SELECT channel, published_at, writer, type, message FROM messages WHERE channel = ?"
	args := []interface{}{channel}

	if q.Before != nil {
		query += " AND published_at <= ?"
		args = append(args, *q.Before)
	}
	if q.After != nil {
		query += " AND published_at > ?"
		args = append(args, *q.After)
	}
	if q.NewestFirst {
		query += " ORDER BY published_at DESC"
	} else {
		query += " ORDER BY published_at ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Channel, &msg.PublishedAt, &msg.Writer, &msg.Type, &msg.Message); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, channel string, after float64) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE channel = ? AND published_at > ?",
		channel, after).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
