package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed relay: the envelope log plus the call status
// table, with in-process push fanout to subscribers. The storage engine is
// treated as a black box append/query/delete log — no schema beyond the two
// tables the contract needs.
type Store struct {
	db   *sql.DB
	path string

	subMu      sync.RWMutex
	envSubs    map[int]envSub
	statusSubs map[int]statusSub
	nextSub    int
}

type envSub struct {
	to string
	fn func(Envelope)
}

type statusSub struct {
	callID string // "" = all calls
	fn     func(StatusRecord)
}

// Open opens or creates the relay database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create relay dir: %w", err)
	}
	dbPath := filepath.Join(dir, "relay.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure relay database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS envelopes (
			id             TEXT PRIMARY KEY,
			call_id        TEXT NOT NULL,
			from_identity  TEXT NOT NULL,
			to_identity    TEXT NOT NULL,
			payload        TEXT NOT NULL,
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_envelopes_call_to
			ON envelopes(call_id, to_identity, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create envelopes table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_status (
			call_id     TEXT PRIMARY KEY,
			caller      TEXT NOT NULL,
			callee      TEXT NOT NULL,
			media_kind  TEXT NOT NULL,
			status      TEXT NOT NULL,
			reason      TEXT DEFAULT '',
			created_at  INTEGER NOT NULL,
			accepted_at INTEGER,
			ended_at    INTEGER
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_status table: %w", err)
	}

	return &Store{
		db:         db,
		path:       dbPath,
		envSubs:    make(map[int]envSub),
		statusSubs: make(map[int]statusSub),
	}, nil
}

// Close closes the database. Subscriptions become inert.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// ── Envelopes ────────────────────────────────────────────────────────────────

func (s *Store) Send(ctx context.Context, env Envelope) error {
	if err := env.Payload.Validate(); err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	payload, err := encodePayload(env.Payload)
	if err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelopes (id, call_id, from_identity, to_identity, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		env.ID, env.CallID, env.From, env.To, payload, env.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	s.notifyEnvelope(env)
	return nil
}

func (s *Store) FetchPending(ctx context.Context, callID, to string) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, from_identity, to_identity, payload, created_at
		FROM envelopes
		WHERE call_id = ? AND to_identity = ?
		ORDER BY created_at ASC, id ASC`,
		callID, to)
	if err != nil {
		return nil, fmt.Errorf("fetch pending envelopes: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var env Envelope
		var payload string
		var createdAt int64
		if err := rows.Scan(&env.ID, &env.CallID, &env.From, &env.To, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		p, err := decodePayload(payload)
		if err != nil {
			// A corrupt row must not block delivery of the rest.
			log.Printf("RELAY: dropping corrupt envelope %s: %v", env.ID, err)
			continue
		}
		env.Payload = p
		env.CreatedAt = time.UnixMicro(createdAt)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch pending envelopes: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteEnvelope(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	return nil
}

func (s *Store) PurgeCall(ctx context.Context, callID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("purge call envelopes: %w", err)
	}
	return nil
}

// ── Status records ───────────────────────────────────────────────────────────

func (s *Store) CreateStatus(ctx context.Context, rec StatusRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_status (call_id, caller, callee, media_kind, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Caller, rec.Callee, string(rec.MediaKind),
		string(rec.Status), rec.Reason, rec.CreatedAt.UnixMicro())
	if err != nil {
		if isConstraintErr(err) {
			return ErrStatusExists
		}
		return fmt.Errorf("create status record: %w", err)
	}
	s.notifyStatus(rec)
	return nil
}

func (s *Store) PollStatus(ctx context.Context, callID string) (StatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, caller, callee, media_kind, status, reason, created_at, accepted_at, ended_at
		FROM call_status WHERE call_id = ?`, callID)
	rec, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRecord{}, ErrNotFound
	}
	if err != nil {
		return StatusRecord{}, fmt.Errorf("poll status: %w", err)
	}
	return rec, nil
}

// UpdateStatus advances a call's status under the monotonic guard: terminal
// statuses are never overwritten and accepted applies only to a ringing
// call. The guard lives in the WHERE clause so concurrent writers from both
// parties commute without locking.
func (s *Store) UpdateStatus(ctx context.Context, callID string, status CallStatus, reason string) (bool, error) {
	now := time.Now().UnixMicro()
	var res sql.Result
	var err error
	switch status {
	case StatusAccepted:
		res, err = s.db.ExecContext(ctx, `
			UPDATE call_status SET status = ?, reason = ?, accepted_at = ?
			WHERE call_id = ? AND status = ?`,
			string(status), reason, now, callID, string(StatusRinging))
	case StatusDeclined, StatusEnded:
		res, err = s.db.ExecContext(ctx, `
			UPDATE call_status SET status = ?, reason = ?, ended_at = ?
			WHERE call_id = ? AND status NOT IN (?, ?)`,
			string(status), reason, now, callID,
			string(StatusDeclined), string(StatusEnded))
	default:
		return false, fmt.Errorf("update status: illegal target %q", status)
	}
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	rec, err := s.PollStatus(ctx, callID)
	if err == nil {
		s.notifyStatus(rec)
	}
	return true, nil
}

func (s *Store) AcceptedCallFor(ctx context.Context, callee string) (StatusRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, caller, callee, media_kind, status, reason, created_at, accepted_at, ended_at
		FROM call_status
		WHERE callee = ? AND status = ?
		ORDER BY accepted_at DESC LIMIT 1`,
		callee, string(StatusAccepted))
	rec, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, fmt.Errorf("accepted call lookup: %w", err)
	}
	return rec, true, nil
}

func (s *Store) RingingCallFor(ctx context.Context, callee string) (StatusRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, caller, callee, media_kind, status, reason, created_at, accepted_at, ended_at
		FROM call_status
		WHERE callee = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1`,
		callee, string(StatusRinging))
	rec, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, fmt.Errorf("ringing call lookup: %w", err)
	}
	return rec, true, nil
}

// ── Subscriptions ────────────────────────────────────────────────────────────
//
// Push fanout is in-process and fires only for rows written after the
// subscription existed. That gap is part of the contract: consumers run a
// catch-up fetch after subscribing.

func (s *Store) SubscribeEnvelopes(to string, fn func(Envelope)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.envSubs[id] = envSub{to: to, fn: fn}
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.envSubs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) SubscribeStatus(callID string, fn func(StatusRecord)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.statusSubs[id] = statusSub{callID: callID, fn: fn}
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.statusSubs, id)
		s.subMu.Unlock()
	}
}

// notifyEnvelope fans an inserted envelope out to matching subscribers.
// Handlers run on the caller's goroutine against a snapshot of the
// subscriber list, so a handler can cancel its own subscription.
func (s *Store) notifyEnvelope(env Envelope) {
	s.subMu.RLock()
	fns := make([]func(Envelope), 0, len(s.envSubs))
	for _, sub := range s.envSubs {
		if sub.to == env.To {
			fns = append(fns, sub.fn)
		}
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (s *Store) notifyStatus(rec StatusRecord) {
	s.subMu.RLock()
	fns := make([]func(StatusRecord), 0, len(s.statusSubs))
	for _, sub := range s.statusSubs {
		if sub.callID == "" || sub.callID == rec.CallID {
			fns = append(fns, sub.fn)
		}
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// ── Scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (StatusRecord, error) {
	var rec StatusRecord
	var kind, status string
	var createdAt int64
	var acceptedAt, endedAt sql.NullInt64
	if err := row.Scan(&rec.CallID, &rec.Caller, &rec.Callee, &kind, &status,
		&rec.Reason, &createdAt, &acceptedAt, &endedAt); err != nil {
		return StatusRecord{}, err
	}
	rec.MediaKind = MediaKind(kind)
	rec.Status = CallStatus(status)
	rec.CreatedAt = time.UnixMicro(createdAt)
	if acceptedAt.Valid {
		t := time.UnixMicro(acceptedAt.Int64)
		rec.AcceptedAt = &t
	}
	if endedAt.Valid {
		t := time.UnixMicro(endedAt.Int64)
		rec.EndedAt = &t
	}
	return rec, nil
}

func isConstraintErr(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error text;
	// there is no exported typed error for them.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "constraint failed"))
}
