package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/nodeadm/internal/model"
)

var (
	ErrDuplicate       = errors.New("duplicate")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyResolved = errors.New("already resolved")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertNode records a node. Empty name, firmware and health keep what was
// stored.
func (s *Store) UpsertNode(ctx context.Context, node model.Node) error {
	node.NodeID = normalizeNodeID(node.NodeID)
	if node.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO nodes(node_id, name, firmware_version, health, last_seen_at, updated_at)
VALUES (?, ?, ?, COALESCE(?, 'ok'), ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
	name=CASE WHEN excluded.name != '' THEN excluded.name ELSE nodes.name END,
	firmware_version=CASE WHEN excluded.firmware_version != '' THEN excluded.firmware_version ELSE nodes.firmware_version END,
	health=CASE WHEN ? IS NULL THEN nodes.health ELSE excluded.health END,
	last_seen_at=COALESCE(excluded.last_seen_at, nodes.last_seen_at),
	updated_at=excluded.updated_at
`, node.NodeID, node.Name, node.FirmwareVersion, nullIfEmpty(string(node.Health)), nullableTS(node.LastSeenAt), ts(node.UpdatedAt), nullIfEmpty(string(node.Health)))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT node_id, name, firmware_version, health, last_seen_at, updated_at
FROM nodes
WHERE node_id = ?
`, normalizeNodeID(nodeID))
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Node{}, ErrNotFound
		}
		return model.Node{}, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT node_id, name, firmware_version, health, last_seen_at, updated_at
FROM nodes
ORDER BY node_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]model.Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter nodes: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertSectionSnapshot(ctx context.Context, snap model.SectionSnapshot) error {
	snap.NodeID = normalizeNodeID(snap.NodeID)
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	settings, err := json.Marshal(snap.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO section_snapshots(node_id, section, has_data, last_error, settings_json, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(node_id, section) DO UPDATE SET
	has_data=excluded.has_data,
	last_error=excluded.last_error,
	settings_json=excluded.settings_json,
	updated_at=excluded.updated_at
`, snap.NodeID, string(snap.Section), boolToInt(snap.HasData), snap.LastError, string(settings), ts(snap.UpdatedAt))
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("upsert section snapshot %s/%s: %w", snap.NodeID, snap.Section, ErrNotFound)
		}
		return fmt.Errorf("upsert section snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSectionSnapshots(ctx context.Context, nodeID string) ([]model.SectionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT node_id, section, has_data, last_error, settings_json, updated_at
FROM section_snapshots
WHERE node_id = ?
ORDER BY section ASC
`, normalizeNodeID(nodeID))
	if err != nil {
		return nil, fmt.Errorf("list section snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]model.SectionSnapshot, 0)
	for rows.Next() {
		var (
			snap      model.SectionSnapshot
			section   string
			hasData   int
			settings  string
			updatedAt string
		)
		if err := rows.Scan(&snap.NodeID, &section, &hasData, &snap.LastError, &settings, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan section snapshot: %w", err)
		}
		snap.Section = model.Section(section)
		snap.HasData = hasData == 1
		if err := json.Unmarshal([]byte(settings), &snap.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", section, err)
		}
		snap.UpdatedAt, err = parseTS(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot updated_at: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter section snapshots: %w", err)
	}
	return out, nil
}

func (s *Store) InsertJournalEntry(ctx context.Context, entry model.JournalEntry) error {
	entry.NodeID = normalizeNodeID(entry.NodeID)
	if strings.TrimSpace(entry.EntryID) == "" {
		return fmt.Errorf("entry_id is required")
	}
	if entry.IssuedAt.IsZero() {
		entry.IssuedAt = time.Now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = model.OutcomePending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_journal(entry_id, session_id, node_id, section, command, response, kind, outcome, issued_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, entry.EntryID, entry.SessionID, entry.NodeID, string(entry.Section), entry.Command, nullIfEmpty(entry.Response), nullIfEmpty(entry.Kind), string(entry.Outcome), ts(entry.IssuedAt), nullableTS(entry.ResolvedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return fmt.Errorf("insert journal entry for %s: %w", entry.NodeID, ErrNotFound)
		}
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// FindPendingJournalEntry returns the oldest pending entry of session for
// command.
func (s *Store) FindPendingJournalEntry(ctx context.Context, sessionID, command string) (model.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+journalColumns+`
FROM command_journal
WHERE session_id = ? AND command = ? AND outcome = 'pending'
ORDER BY issued_at ASC, rowid ASC
LIMIT 1
`, sessionID, command)
	entry, err := scanJournalEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.JournalEntry{}, ErrNotFound
		}
		return model.JournalEntry{}, fmt.Errorf("find pending journal entry: %w", err)
	}
	return entry, nil
}

// ResolveJournalEntry moves a pending entry to its final outcome exactly once.
func (s *Store) ResolveJournalEntry(ctx context.Context, entryID string, outcome model.JournalOutcome, response, kind string, at time.Time) error {
	if outcome == model.OutcomePending || outcome == "" {
		return fmt.Errorf("resolve journal entry: outcome %q is not final", outcome)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE command_journal
SET outcome = ?, response = ?, kind = ?, resolved_at = ?
WHERE entry_id = ? AND outcome = 'pending'
`, string(outcome), nullIfEmpty(response), nullIfEmpty(kind), ts(at), entryID)
	if err != nil {
		return fmt.Errorf("resolve journal entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve journal entry rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM command_journal WHERE entry_id = ?`, entryID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check journal entry: %w", err)
	}
	return ErrAlreadyResolved
}

type JournalFilter struct {
	NodeID string
	Since  time.Time
	Limit  int
}

// ListJournal returns entries newest first.
func (s *Store) ListJournal(ctx context.Context, filter JournalFilter) ([]model.JournalEntry, error) {
	query := `SELECT ` + journalColumns + ` FROM command_journal`
	conds := []string{}
	args := []any{}
	if id := normalizeNodeID(filter.NodeID); id != "" {
		conds = append(conds, "node_id = ?")
		args = append(args, id)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "issued_at >= ?")
		args = append(args, ts(filter.Since))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY issued_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	out := make([]model.JournalEntry, 0)
	for rows.Next() {
		entry, err := scanJournalEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter journal: %w", err)
	}
	return out, nil
}

// PurgeJournal deletes entries issued before cutoff.
func (s *Store) PurgeJournal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_journal WHERE issued_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge journal rows affected: %w", err)
	}
	return deleted, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "nodes", "section_snapshots", "command_journal":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

const journalColumns = `entry_id, session_id, node_id, section, command, response, kind, outcome, issued_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(scanner rowScanner) (model.Node, error) {
	var (
		node       model.Node
		health     string
		lastSeenAt sql.NullString
		updatedAt  string
	)
	if err := scanner.Scan(&node.NodeID, &node.Name, &node.FirmwareVersion, &health, &lastSeenAt, &updatedAt); err != nil {
		return model.Node{}, err
	}
	node.Health = model.LinkHealth(health)
	if lastSeenAt.Valid {
		v, err := parseTS(lastSeenAt.String)
		if err != nil {
			return model.Node{}, fmt.Errorf("parse last_seen_at: %w", err)
		}
		node.LastSeenAt = &v
	}
	var err error
	node.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Node{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return node, nil
}

func scanJournalEntry(scanner rowScanner) (model.JournalEntry, error) {
	var (
		entry      model.JournalEntry
		section    string
		response   sql.NullString
		kind       sql.NullString
		outcome    string
		issuedAt   string
		resolvedAt sql.NullString
	)
	if err := scanner.Scan(&entry.EntryID, &entry.SessionID, &entry.NodeID, &section, &entry.Command, &response, &kind, &outcome, &issuedAt, &resolvedAt); err != nil {
		return model.JournalEntry{}, err
	}
	entry.Section = model.Section(section)
	entry.Response = response.String
	entry.Kind = kind.String
	entry.Outcome = model.JournalOutcome(outcome)
	var err error
	entry.IssuedAt, err = parseTS(issuedAt)
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("parse issued_at: %w", err)
	}
	if resolvedAt.Valid {
		v, err := parseTS(resolvedAt.String)
		if err != nil {
			return model.JournalEntry{}, fmt.Errorf("parse resolved_at: %w", err)
		}
		entry.ResolvedAt = &v
	}
	return entry, nil
}

func normalizeNodeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
