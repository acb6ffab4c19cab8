package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"forkd/internal/history"
	"forkd/internal/keystroke"
	"forkd/internal/security"
)

// ErrSnapshotNotFound is returned for an unknown snapshot id.
var ErrSnapshotNotFound = errors.New("store: snapshot not found")

// Store represents the SQLite history archive.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the archive at path and brings its schema up to
// date. The archive holds typed keys, so it is kept private to the user.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), security.PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; WAL lets readers proceed meanwhile.
	db.SetMaxOpenConns(1)

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := os.Chmod(path, security.PermPrivateFile); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: closed")
	}
	return s.db.PingContext(ctx)
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func digestEntries(entries []history.Entry) [32]byte {
	buf := make([]byte, 0, len(entries)*history.RecordSize)
	for _, e := range entries {
		buf = e.AppendBinary(buf)
	}
	return sha256.Sum256(buf)
}

// Archive stores entries, oldest first, as a new snapshot and returns its id.
func (s *Store) Archive(ctx context.Context, label, device string, entries []history.Entry) (int64, error) {
	digest := digestEntries(entries)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (label, device, created_at, entry_count, digest)
		VALUES (?, ?, ?, ?, ?)`,
		label, device, s.now().UnixNano(), len(entries), digest[:],
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_entries (snapshot_id, seq, time_ms, keycode, forked, press)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, id, i, int64(e.Time), int(e.Key), int(e.Forked), e.Press); err != nil {
			return 0, fmt.Errorf("insert entry %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// GetSnapshot retrieves a snapshot header by id.
func (s *Store) GetSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, device, created_at, entry_count, digest
		FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns up to limit snapshots, newest first. A limit of
// zero or less returns all of them.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, device, created_at, entry_count, digest
		FROM snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var snap Snapshot
	var created int64
	var digest []byte
	if err := row.Scan(&snap.ID, &snap.Label, &snap.Device, &created, &snap.Count, &digest); err != nil {
		return nil, err
	}
	snap.CreatedAt = time.Unix(0, created)
	copy(snap.Digest[:], digest)
	return &snap, nil
}

// Entries returns the entries of snapshot id, oldest first.
func (s *Store) Entries(ctx context.Context, id int64) ([]history.Entry, error) {
	if _, err := s.GetSnapshot(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT time_ms, keycode, forked, press
		FROM snapshot_entries WHERE snapshot_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var t int64
		var key, forked int
		var e history.Entry
		if err := rows.Scan(&t, &key, &forked, &e.Press); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Time = keystroke.Time(t)
		e.Key = keystroke.Keycode(key)
		e.Forked = keystroke.Keycode(forked)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesForKey returns every archived entry delivering key, across all
// snapshots, in archive order.
func (s *Store) EntriesForKey(ctx context.Context, key keystroke.Keycode) ([]ArchivedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, seq, time_ms, keycode, forked, press
		FROM snapshot_entries WHERE keycode = ? ORDER BY snapshot_id, seq`, int(key))
	if err != nil {
		return nil, fmt.Errorf("get entries for key: %w", err)
	}
	defer rows.Close()

	var out []ArchivedEntry
	for rows.Next() {
		var t int64
		var code, forked int
		var ae ArchivedEntry
		if err := rows.Scan(&ae.SnapshotID, &ae.Seq, &t, &code, &forked, &ae.Press); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		ae.Time = keystroke.Time(t)
		ae.Key = keystroke.Keycode(code)
		ae.Forked = keystroke.Keycode(forked)
		out = append(out, ae)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes snapshot id and its entries.
func (s *Store) DeleteSnapshot(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// Prune keeps the newest keep snapshots and deletes the rest. It returns
// the number of snapshots removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// SaveConfigSnapshot records the configuration data that was applied and
// why. Storing the same data twice in a row is a no-op that returns the
// existing id.
func (s *Store) SaveConfigSnapshot(ctx context.Context, version int, data []byte, reason string) (int64, error) {
	hash := sha256.Sum256(data)

	last, err := s.LatestConfigSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if last != nil && last.Hash == hash {
		return last.ID, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO config_snapshots (version, created_at, config_hash, config_data, reason)
		VALUES (?, ?, ?, ?, ?)`,
		version, s.now().UnixNano(), hash[:], string(data), reason,
	)
	if err != nil {
		return 0, fmt.Errorf("insert config snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LatestConfigSnapshot returns the most recent configuration snapshot, or
// nil if there is none.
func (s *Store) LatestConfigSnapshot(ctx context.Context) (*ConfigSnapshot, error) {
	var cs ConfigSnapshot
	var created int64
	var hash []byte
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version, created_at, config_hash, config_data, reason
		FROM config_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&cs.ID, &cs.Version, &created, &hash, &cs.Data, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get config snapshot: %w", err)
	}
	cs.CreatedAt = time.Unix(0, created)
	copy(cs.Hash[:], hash)
	cs.Reason = reason.String
	return &cs, nil
}
