package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexus-agents/agentgw/internal/observability"
	"github.com/nexus-agents/agentgw/pkg/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLConfig holds connection parameters for the durable History Store.
// The same struct serves both CockroachDB (via lib/pq, since Cockroach
// speaks the Postgres wire protocol) and local SQLite deployments.
type SQLConfig struct {
	Driver          string // "postgres" or "sqlite"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns sane pool defaults for a Cockroach-backed store.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		Driver:          "postgres",
		DSN:             "postgresql://root@localhost:26257/agentgw?sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLHistoryStore implements HistoryStore against a SQL database. The
// statements below are Postgres/Cockroach placeholder syntax ($1, $2, ...);
// database/sql does not rewrite placeholders, so the sqlite driver receives
// the same statements unchanged when Driver == "sqlite".
type SQLHistoryStore struct {
	db *sql.DB

	metrics *observability.Metrics
	tracer  *observability.Tracer

	stmtCreate      *sql.Stmt
	stmtGet         *sql.Stmt
	stmtUpdate      *sql.Stmt
	stmtSoftDelete  *sql.Stmt
	stmtHardDelete  *sql.Stmt
	stmtListByUser  *sql.Stmt
	stmtAppendMsg   *sql.Stmt
	stmtGetHistory  *sql.Stmt
	stmtTouchOnMsg  *sql.Stmt
	stmtSearchMsgs  *sql.Stmt
}

// NewSQLHistoryStore opens a connection pool and prepares statements for
// reuse, mirroring the connect-then-prepare sequencing of a CockroachDB pool.
// A nil metrics or tracer disables the corresponding instrumentation.
func NewSQLHistoryStore(config *SQLConfig, metrics *observability.Metrics, tracer *observability.Tracer) (*SQLHistoryStore, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}
	driver := config.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store, err := NewSQLHistoryStoreFromDB(db, metrics, tracer)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLHistoryStoreFromDB prepares a store over an already-open database.
// The caller owns pool configuration and connectivity; this is the seam
// tests use to run the store against a mock driver.
func NewSQLHistoryStoreFromDB(db *sql.DB, metrics *observability.Metrics, tracer *observability.Tracer) (*SQLHistoryStore, error) {
	store := &SQLHistoryStore{db: db, metrics: metrics, tracer: tracer}
	if err := store.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

// observe wraps a query with a database span and, on return, records its
// outcome and latency under operation/table, mirroring how the HTTP layer
// instruments a request around the handler it wraps.
func (s *SQLHistoryStore) observe(ctx context.Context, operation, table string, fn func(ctx context.Context) error) error {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.TraceDatabaseQuery(ctx, operation, table)
		defer span.End()
	}

	start := time.Now()
	err := fn(ctx)

	if span != nil && err != nil {
		s.tracer.RecordError(span, err)
	}
	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordDatabaseQuery(operation, table, status, time.Since(start).Seconds())
	}
	return err
}

func (s *SQLHistoryStore) prepareStatements() error {
	var err error

	s.stmtCreate, err = s.db.Prepare(`
		INSERT INTO sessions (id, user_id, window_id, thread_id, title, context, status, created_at, updated_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("prepare create: %w", err)
	}

	s.stmtGet, err = s.db.Prepare(`
		SELECT id, user_id, window_id, thread_id, title, context, status, created_at, updated_at, last_activity, deleted_at
		FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}

	s.stmtUpdate, err = s.db.Prepare(`
		UPDATE sessions SET title = $1, context = $2, updated_at = $3, last_activity = $4
		WHERE id = $5
	`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}

	s.stmtSoftDelete, err = s.db.Prepare(`
		UPDATE sessions SET status = $1, deleted_at = $2, updated_at = $2 WHERE id = $3
	`)
	if err != nil {
		return fmt.Errorf("prepare soft delete: %w", err)
	}

	s.stmtHardDelete, err = s.db.Prepare(`DELETE FROM sessions WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("prepare hard delete: %w", err)
	}

	s.stmtListByUser, err = s.db.Prepare(`
		SELECT id, user_id, window_id, thread_id, title, context, status, created_at, updated_at, last_activity, deleted_at
		FROM sessions WHERE user_id = $1 ORDER BY last_activity DESC LIMIT $2 OFFSET $3
	`)
	if err != nil {
		return fmt.Errorf("prepare list by user: %w", err)
	}

	s.stmtAppendMsg, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, sequence_num, role, content, attachments, tool_calls, tool_results, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("prepare append message: %w", err)
	}

	s.stmtGetHistory, err = s.db.Prepare(`
		SELECT id, session_id, sequence_num, role, content, attachments, tool_calls, tool_results, metadata, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("prepare get history: %w", err)
	}

	s.stmtTouchOnMsg, err = s.db.Prepare(`
		UPDATE sessions SET updated_at = $1, last_activity = $1 WHERE id = $2
	`)
	if err != nil {
		return fmt.Errorf("prepare touch on message: %w", err)
	}

	s.stmtSearchMsgs, err = s.db.Prepare(`
		SELECT m.id, m.session_id, m.sequence_num, m.role, m.content, m.attachments, m.tool_calls, m.tool_results, m.metadata, m.created_at
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = $1 AND LOWER(m.content) LIKE LOWER($2)
		ORDER BY m.created_at DESC
		LIMIT $3
	`)
	if err != nil {
		return fmt.Errorf("prepare search messages: %w", err)
	}

	return nil
}

// Close releases prepared statements and the underlying connection pool.
func (s *SQLHistoryStore) Close() error {
	stmts := []*sql.Stmt{
		s.stmtCreate, s.stmtGet, s.stmtUpdate, s.stmtSoftDelete, s.stmtHardDelete,
		s.stmtListByUser, s.stmtAppendMsg, s.stmtGetHistory, s.stmtTouchOnMsg, s.stmtSearchMsgs,
	}
	var errs []error
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func (s *SQLHistoryStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt
	session.LastActivity = session.CreatedAt
	if session.Status == "" {
		session.Status = models.SessionAvailable
	}

	contextJSON, err := json.Marshal(session.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	return s.observe(ctx, "insert", "sessions", func(ctx context.Context) error {
		_, err := s.stmtCreate.ExecContext(ctx,
			session.ID, session.UserID, session.WindowID, session.ThreadID,
			session.Title, contextJSON, session.Status,
			session.CreatedAt, session.UpdatedAt, session.LastActivity,
		)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
}

func (s *SQLHistoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var contextJSON []byte
	var deletedAt sql.NullTime

	err := s.observe(ctx, "select", "sessions", func(ctx context.Context) error {
		scanErr := s.stmtGet.QueryRowContext(ctx, id).Scan(
			&session.ID, &session.UserID, &session.WindowID, &session.ThreadID,
			&session.Title, &contextJSON, &session.Status,
			&session.CreatedAt, &session.UpdatedAt, &session.LastActivity, &deletedAt,
		)
		if scanErr == sql.ErrNoRows {
			return &ErrSessionNotFound{ID: id}
		}
		if scanErr != nil {
			return fmt.Errorf("get session: %w", scanErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		session.DeletedAt = &deletedAt.Time
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &session.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return session, nil
}

func (s *SQLHistoryStore) Update(ctx context.Context, session *models.Session) error {
	contextJSON, err := json.Marshal(session.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	session.UpdatedAt = time.Now()
	session.LastActivity = session.UpdatedAt

	return s.observe(ctx, "update", "sessions", func(ctx context.Context) error {
		result, err := s.stmtUpdate.ExecContext(ctx,
			session.Title, contextJSON, session.UpdatedAt, session.LastActivity, session.ID,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return &ErrSessionNotFound{ID: session.ID}
		}
		return nil
	})
}

func (s *SQLHistoryStore) SoftDelete(ctx context.Context, id string) error {
	return s.observe(ctx, "update", "sessions", func(ctx context.Context) error {
		result, err := s.stmtSoftDelete.ExecContext(ctx, models.SessionDeleted, time.Now(), id)
		if err != nil {
			return fmt.Errorf("soft delete session: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return &ErrSessionNotFound{ID: id}
		}
		return nil
	})
}

func (s *SQLHistoryStore) HardDelete(ctx context.Context, id string) error {
	return s.observe(ctx, "delete", "sessions", func(ctx context.Context) error {
		result, err := s.stmtHardDelete.ExecContext(ctx, id)
		if err != nil {
			return fmt.Errorf("hard delete session: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return &ErrSessionNotFound{ID: id}
		}
		return nil
	})
}

func (s *SQLHistoryStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Session
	err := s.observe(ctx, "select", "sessions", func(ctx context.Context) error {
		rows, err := s.stmtListByUser.QueryContext(ctx, userID, limit, opts.Offset)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			session := &models.Session{}
			var contextJSON []byte
			var deletedAt sql.NullTime
			if err := rows.Scan(
				&session.ID, &session.UserID, &session.WindowID, &session.ThreadID,
				&session.Title, &contextJSON, &session.Status,
				&session.CreatedAt, &session.UpdatedAt, &session.LastActivity, &deletedAt,
			); err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			if deletedAt.Valid {
				session.DeletedAt = &deletedAt.Time
			}
			if len(contextJSON) > 0 {
				if err := json.Unmarshal(contextJSON, &session.Context); err != nil {
					return fmt.Errorf("unmarshal context: %w", err)
				}
			}
			out = append(out, session)
		}
		return rows.Err()
	})
	return out, err
}

// AppendMessage inserts the message and refreshes the session's activity
// timestamp inside one transaction, the same atomicity guarantee the
// prepared-statement pool gives session/message writes.
func (s *SQLHistoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResultsJSON, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return s.observe(ctx, "insert", "messages", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		_, err = tx.StmtContext(ctx, s.stmtAppendMsg).ExecContext(ctx,
			msg.ID, sessionID, msg.SequenceNum, msg.Role, msg.Content,
			attachmentsJSON, toolCallsJSON, toolResultsJSON, metadataJSON, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}

		if _, err := tx.StmtContext(ctx, s.stmtTouchOnMsg).ExecContext(ctx, time.Now(), sessionID); err != nil {
			return fmt.Errorf("touch session on message: %w", err)
		}

		return tx.Commit()
	})
}

func (s *SQLHistoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []*models.Message
	err := s.observe(ctx, "select", "messages", func(ctx context.Context) error {
		rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID, limit)
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			msg := &models.Message{}
			var attachmentsJSON, toolCallsJSON, toolResultsJSON, metadataJSON []byte
			if err := rows.Scan(
				&msg.ID, &msg.SessionID, &msg.SequenceNum, &msg.Role, &msg.Content,
				&attachmentsJSON, &toolCallsJSON, &toolResultsJSON, &metadataJSON, &msg.CreatedAt,
			); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			if len(attachmentsJSON) > 0 && string(attachmentsJSON) != "null" {
				if err := json.Unmarshal(attachmentsJSON, &msg.Attachments); err != nil {
					return fmt.Errorf("unmarshal attachments: %w", err)
				}
			}
			if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
				if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
					return fmt.Errorf("unmarshal tool calls: %w", err)
				}
			}
			if len(toolResultsJSON) > 0 && string(toolResultsJSON) != "null" {
				if err := json.Unmarshal(toolResultsJSON, &msg.ToolResults); err != nil {
					return fmt.Errorf("unmarshal tool results: %w", err)
				}
			}
			if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
				if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
					return fmt.Errorf("unmarshal metadata: %w", err)
				}
			}
			messages = append(messages, msg)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SearchMessages finds messages whose content contains substr across every
// session owned by userID, newest first.
func (s *SQLHistoryStore) SearchMessages(ctx context.Context, userID, substr string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + substr + "%"
	var messages []*models.Message
	err := s.observe(ctx, "select", "messages", func(ctx context.Context) error {
		rows, err := s.stmtSearchMsgs.QueryContext(ctx, userID, pattern, limit)
		if err != nil {
			return fmt.Errorf("search messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			msg := &models.Message{}
			var attachmentsJSON, toolCallsJSON, toolResultsJSON, metadataJSON []byte
			if err := rows.Scan(
				&msg.ID, &msg.SessionID, &msg.SequenceNum, &msg.Role, &msg.Content,
				&attachmentsJSON, &toolCallsJSON, &toolResultsJSON, &metadataJSON, &msg.CreatedAt,
			); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			if len(attachmentsJSON) > 0 && string(attachmentsJSON) != "null" {
				if err := json.Unmarshal(attachmentsJSON, &msg.Attachments); err != nil {
					return fmt.Errorf("unmarshal attachments: %w", err)
				}
			}
			if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
				if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
					return fmt.Errorf("unmarshal tool calls: %w", err)
				}
			}
			if len(toolResultsJSON) > 0 && string(toolResultsJSON) != "null" {
				if err := json.Unmarshal(toolResultsJSON, &msg.ToolResults); err != nil {
					return fmt.Errorf("unmarshal tool results: %w", err)
				}
			}
			if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
				if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
					return fmt.Errorf("unmarshal metadata: %w", err)
				}
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	return messages, err
}
