// ABOUTME: SQLite store for relayed JSON-RPC traffic, sessions, and audit events
// ABOUTME: Serves as the persistent audit sink and message log for every transport

package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/authz"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
)

//go:embed schema.sql
var schemaSQL string

type DB struct {
	conn *sql.DB
}

type MessageDirection string

const (
	DirectionClientToRelay   MessageDirection = "client_to_relay"
	DirectionRelayToUpstream MessageDirection = "relay_to_upstream"
	DirectionUpstreamToRelay MessageDirection = "upstream_to_relay"
	DirectionRelayToClient   MessageDirection = "relay_to_client"
)

// Open opens or creates the SQLite database
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("Database initialized at %s", dbPath)
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// CreateSession logs a new session
func (db *DB) CreateSession(sessionID, transport, subject, upstream string) error {
	_, err := db.conn.Exec(
		"INSERT INTO sessions (id, transport, subject, upstream) VALUES (?, ?, ?, ?)",
		sessionID, transport, nullable(subject), nullable(upstream),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CloseSession marks a session as closed
func (db *DB) CloseSession(sessionID string) error {
	_, err := db.conn.Exec(
		"UPDATE sessions SET closed_at = CURRENT_TIMESTAMP WHERE id = ? AND closed_at IS NULL",
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// LogMessage stores a raw frame. Frames that do not parse are still stored, with no
// type or method.
func (db *DB) LogMessage(sessionID string, direction MessageDirection, rawMessage []byte) error {
	var messageType, method, jsonrpcID sql.NullString

	if msg, rpcErr := jsonrpc.Parse(rawMessage); rpcErr == nil {
		switch m := msg.(type) {
		case *jsonrpc.Request:
			messageType = valid("request")
			method = valid(m.Method)
			jsonrpcID = valid(m.ID.String())
		case *jsonrpc.Notification:
			messageType = valid("notification")
			method = valid(m.Method)
		case *jsonrpc.Response:
			messageType = valid("response")
			if m.ID != nil {
				jsonrpcID = valid(m.ID.String())
			}
		}
	}

	_, err := db.conn.Exec(
		`INSERT INTO messages (session_id, direction, message_type, method, jsonrpc_id, raw_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, direction, messageType, method, jsonrpcID, string(rawMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

// Message represents a logged message
type Message struct {
	ID          int64
	SessionID   string
	Direction   MessageDirection
	MessageType string
	Method      string
	// JSONRPCID is the id exactly as it appeared on the wire, quotes included for strings.
	JSONRPCID  string
	RawMessage string
	Timestamp  time.Time
}

// GetSessionMessages retrieves all messages for a session in arrival order
func (db *DB) GetSessionMessages(sessionID string) ([]Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, direction, message_type, method, jsonrpc_id, raw_message, timestamp
		 FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var messageType, method, jsonrpcID sql.NullString

		err := rows.Scan(&m.ID, &m.SessionID, &m.Direction, &messageType, &method, &jsonrpcID, &m.RawMessage, &m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		m.MessageType = messageType.String
		m.Method = method.String
		m.JSONRPCID = jsonrpcID.String
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// Session represents a logged session
type Session struct {
	ID        string
	Transport string
	Subject   string
	Upstream  string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// GetAllSessions retrieves all sessions, newest first
func (db *DB) GetAllSessions() ([]Session, error) {
	rows, err := db.conn.Query(
		`SELECT id, transport, subject, upstream, created_at, closed_at
		 FROM sessions ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var subject, upstream sql.NullString
		var closedAt sql.NullTime

		err := rows.Scan(&s.ID, &s.Transport, &subject, &upstream, &s.CreatedAt, &closedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		s.Subject = subject.String
		s.Upstream = upstream.String
		if closedAt.Valid {
			s.ClosedAt = &closedAt.Time
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// Record implements authz.AuditSink.
func (db *DB) Record(ctx context.Context, e authz.AuditEvent) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO audit_events
		 (id, occurred_at, stage, outcome, subject, auth_method, method, required_scope, resource, reason, transport, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC(), string(e.Stage), string(e.Outcome),
		nullable(e.Subject), nullable(string(e.AuthMethod)), nullable(e.Method),
		nullable(e.RequiredScope), nullable(e.Resource), nullable(e.Reason),
		nullable(e.Transport), nullable(e.SessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// AuditFilter narrows RecentAuditEvents; zero fields match everything.
type AuditFilter struct {
	Subject string
	Outcome authz.Outcome
	Limit   int
}

// RecentAuditEvents returns matching events, newest first.
func (db *DB) RecentAuditEvents(ctx context.Context, f AuditFilter) ([]authz.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	query := `SELECT id, occurred_at, stage, outcome, subject, auth_method, method, required_scope, resource, reason, transport, session_id
		 FROM audit_events WHERE 1=1`
	var args []any
	if f.Subject != "" {
		query += " AND subject = ?"
		args = append(args, f.Subject)
	}
	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	query += " ORDER BY occurred_at DESC, rowid DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []authz.AuditEvent
	for rows.Next() {
		var e authz.AuditEvent
		var stage, outcome string
		var subject, authMethod, method, scope, resource, reason, transport, sessionID sql.NullString

		err := rows.Scan(&e.ID, &e.Time, &stage, &outcome, &subject, &authMethod, &method, &scope, &resource, &reason, &transport, &sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		e.Stage = authz.Stage(stage)
		e.Outcome = authz.Outcome(outcome)
		e.Subject = subject.String
		e.AuthMethod = auth.Method(authMethod.String)
		e.Method = method.String
		e.RequiredScope = scope.String
		e.Resource = resource.String
		e.Reason = reason.String
		e.Transport = transport.String
		e.SessionID = sessionID.String
		events = append(events, e)
	}

	return events, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func valid(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
