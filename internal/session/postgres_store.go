package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/tripagent/internal/llm"
)

// PostgresStore is a Store backed by PostgreSQL. Messages live in their own
// table keyed by sequence number, so saves only insert the new tail.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. Call Migrate first.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn, applies migrations and returns the store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgresStore(pool), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const selectSession = `SELECT id, state, final_answer, delivery, usage, metadata, version, created_at, updated_at FROM sessions`

// Get loads a session and its full message history.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, selectSession+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %q: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT body FROM session_messages WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("session: load messages %q: %w", id, err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("session: load messages %q: %w", id, err)
	}

	sess.Messages = make([]llm.Message, 0, len(bodies))
	for i, b := range bodies {
		var m llm.Message
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("session: decode message %d of %q: %w", i, id, err)
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, nil
}

// Save writes the session row and appends unsaved messages in one transaction.
func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	delivery, usage, metadata, err := encodeColumns(sess)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored := 0
	if sess.Version == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, state, final_answer, delivery, usage, metadata, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			sess.ID, string(sess.State), sess.FinalAnswer, delivery, usage, metadata, sess.CreatedAt, now)
		if err != nil {
			return fmt.Errorf("session: insert %q: %w", sess.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: session %q already exists", ErrVersionConflict, sess.ID)
		}
	} else {
		var version int64
		err := tx.QueryRow(ctx, `SELECT version FROM sessions WHERE id = $1 FOR UPDATE`, sess.ID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return conflict(sess.ID, 0, sess.Version)
		}
		if err != nil {
			return fmt.Errorf("session: lock %q: %w", sess.ID, err)
		}
		if version != sess.Version {
			return conflict(sess.ID, version, sess.Version)
		}
		if stored, err = checkDigests(ctx, tx, sess); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE sessions
			SET state = $2, final_answer = $3, delivery = $4, usage = $5, metadata = $6,
			    version = version + 1, updated_at = $7
			WHERE id = $1`,
			sess.ID, string(sess.State), sess.FinalAnswer, delivery, usage, metadata, now)
		if err != nil {
			return fmt.Errorf("session: update %q: %w", sess.ID, err)
		}
	}

	if tail := sess.Messages[stored:]; len(tail) > 0 {
		rows := make([][]any, 0, len(tail))
		for i, m := range tail {
			body, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("session: encode message: %w", err)
			}
			created := m.CreatedAt
			if created.IsZero() {
				created = now
			}
			digest, err := messageDigest(m)
			if err != nil {
				return fmt.Errorf("session: encode message: %w", err)
			}
			rows = append(rows, []any{sess.ID, stored + i, string(m.Role), body, digest, created})
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"session_messages"},
			[]string{"session_id", "seq", "role", "body", "digest", "created_at"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("session: append messages %q: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit %q: %w", sess.ID, err)
	}
	sess.Version++
	sess.UpdatedAt = now
	return nil
}

// checkDigests compares the digests of committed messages with the head of
// sess.Messages and returns how many messages are stored. Rows written
// before digests existed are not compared.
func checkDigests(ctx context.Context, tx pgx.Tx, sess *Session) (int, error) {
	rows, err := tx.Query(ctx, `SELECT digest FROM session_messages WHERE session_id = $1 ORDER BY seq`, sess.ID)
	if err != nil {
		return 0, fmt.Errorf("session: load digests %q: %w", sess.ID, err)
	}
	digests, err := pgx.CollectRows(rows, pgx.RowTo[*string])
	if err != nil {
		return 0, fmt.Errorf("session: load digests %q: %w", sess.ID, err)
	}
	if len(sess.Messages) < len(digests) {
		return 0, rewrite(sess.ID, len(digests), len(sess.Messages))
	}
	for i, stored := range digests {
		if stored == nil {
			continue
		}
		got, err := messageDigest(sess.Messages[i])
		if err != nil {
			return 0, fmt.Errorf("session: encode message %d of %q: %w", i, sess.ID, err)
		}
		if got != *stored {
			return 0, edited(sess.ID, i)
		}
	}
	return len(digests), nil
}

// Delete removes a session and, by cascade, its messages.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("session: delete %q: %w", id, err)
	}
	return nil
}

// List returns matching sessions without their message history.
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	var (
		where []string
		args  []any
	)
	if opts.State != "" {
		args = append(args, string(opts.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if !opts.UpdatedBefore.IsZero() {
		args = append(args, opts.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	q := selectSession
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session: list: %w", err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return result, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess                      Session
		state                     string
		delivery, usage, metadata []byte
	)
	err := row.Scan(&sess.ID, &state, &sess.FinalAnswer, &delivery, &usage, &metadata,
		&sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.State = State(state)

	if len(delivery) > 0 && string(delivery) != "null" {
		sess.Delivery = &Delivery{}
		if err := json.Unmarshal(delivery, sess.Delivery); err != nil {
			return nil, fmt.Errorf("decode delivery: %w", err)
		}
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &sess.Usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &sess, nil
}

func encodeColumns(sess *Session) (delivery, usage, metadata []byte, err error) {
	if sess.Delivery != nil {
		if delivery, err = json.Marshal(sess.Delivery); err != nil {
			return nil, nil, nil, fmt.Errorf("session: encode delivery: %w", err)
		}
	}
	if usage, err = json.Marshal(sess.Usage); err != nil {
		return nil, nil, nil, fmt.Errorf("session: encode usage: %w", err)
	}
	md := sess.Metadata
	if md == nil {
		md = map[string]string{}
	}
	if metadata, err = json.Marshal(md); err != nil {
		return nil, nil, nil, fmt.Errorf("session: encode metadata: %w", err)
	}
	return delivery, usage, metadata, nil
}
