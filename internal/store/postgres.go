package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const threadColumns = `id, state, last_revision, last_token, next_agent_id, group_id,
	shown_message_id, message_count, created_at, modified_at, chat_started_at,
	agent_id, agent_name, agent_typing, last_ping_agent, locale,
	user_id, user_name, user_typing, last_ping_user, remote_addr, referer, user_agent`

// InsertThread allocates an empty thread row and returns its id. All other
// columns start at their schema defaults; the caller fills them in through
// a subsequent save.
func (s *PostgresStore) InsertThread(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO chat_threads DEFAULT VALUES RETURNING id`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert thread: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (ThreadRow, error) {
	var row ThreadRow
	err := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM chat_threads
		WHERE id=$1
	`, threadID).Scan(
		&row.ID,
		&row.State,
		&row.LastRevision,
		&row.LastToken,
		&row.NextAgentID,
		&row.GroupID,
		&row.ShownMessageID,
		&row.MessageCount,
		&row.CreatedAt,
		&row.ModifiedAt,
		&row.ChatStartedAt,
		&row.AgentID,
		&row.AgentName,
		&row.AgentTyping,
		&row.LastPingAgent,
		&row.Locale,
		&row.UserID,
		&row.UserName,
		&row.UserTyping,
		&row.LastPingUser,
		&row.RemoteAddr,
		&row.Referer,
		&row.UserAgent,
	)
	if err != nil {
		return ThreadRow{}, err
	}
	return row, nil
}

// UpdateThread writes only the given columns. Column names come from the
// entity layer's dirty tracking, never from request input.
func (s *PostgresStore) UpdateThread(ctx context.Context, threadID int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	setClause := make([]string, 0, len(names))
	values := make([]any, 0, len(names)+1)
	for i, name := range names {
		setClause = append(setClause, fmt.Sprintf("%s=$%d", name, i+1))
		values = append(values, fields[name])
	}
	values = append(values, threadID)

	query := fmt.Sprintf(
		"UPDATE chat_threads SET %s WHERE id=$%d",
		strings.Join(setClause, ", "), len(values),
	)
	if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_threads WHERE id=$1`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// NextRevision advances the global revision counter and returns the new
// value. The single UPDATE is the only write path to the counter, so every
// issued revision is strictly greater than all previous ones regardless of
// how many threads contend on it.
func (s *PostgresStore) NextRevision(ctx context.Context) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `UPDATE chat_revision SET id = id + 1 RETURNING id`).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("next revision: %w", err)
	}
	return revision, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, row MessageRow) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (thread_id, kind, created_at, sender_name, body, agent_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, row.ThreadID, row.Kind, row.CreatedAt, row.SenderName, row.Body, row.AgentID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// MessagesAfter returns every message of the thread with id greater than
// afterID, ascending. Audience filtering is the entity layer's concern:
// hidden rows must still be returned so the read cursor can advance over
// them.
func (s *PostgresStore) MessagesAfter(ctx context.Context, threadID, afterID int64) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, kind, created_at, sender_name, body, agent_id
		FROM chat_messages
		WHERE thread_id=$1 AND id > $2
		ORDER BY id ASC
	`, threadID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]MessageRow, 0)
	for rows.Next() {
		var item MessageRow
		if err := rows.Scan(
			&item.ID,
			&item.ThreadID,
			&item.Kind,
			&item.CreatedAt,
			&item.SenderName,
			&item.Body,
			&item.AgentID,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountVisitorMessages(ctx context.Context, threadID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages WHERE thread_id=$1 AND kind=$2
	`, threadID, KindUser).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count visitor messages: %w", err)
	}
	return count, nil
}

// CloseStaleThreads closes, in one pass, every non-terminal thread where
// either both sides have pinged and both are stale, or the operator never
// pinged and the visitor alone is stale. Every affected row shares the
// given revision and modified time.
func (s *PostgresStore) CloseStaleThreads(ctx context.Context, revision, now, lifetime int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_threads
		SET last_revision=$1, modified_at=$2, state=$3
		WHERE state <> $3 AND state <> $4
		  AND ((last_ping_agent <> 0 AND last_ping_user <> 0
		        AND ABS($2 - last_ping_user) > $5 AND ABS($2 - last_ping_agent) > $5)
		    OR (last_ping_agent = 0 AND last_ping_user <> 0
		        AND ABS($2 - last_ping_user) > $5))
	`, revision, now, StateClosed, StateLeft, lifetime)
	if err != nil {
		return 0, fmt.Errorf("close stale threads: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close stale threads rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) CountOpenThreadsByRemote(ctx context.Context, remoteAddr string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_threads
		WHERE remote_addr=$1 AND state <> $2 AND state <> $3
	`, remoteAddr, StateClosed, StateLeft).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open threads: %w", err)
	}
	return count, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
