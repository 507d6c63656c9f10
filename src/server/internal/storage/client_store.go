package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrDuplicateName is returned by SaveClient when another client already holds the name.
var ErrDuplicateName = errors.New("client name already stored")

type sqliteClientStore struct {
	db *sql.DB
}

// NewClientStore opens (or creates) the sqlite database at path and migrates it.
func NewClientStore(path string) (ClientStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "unable to create database dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=1")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err = db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "exec %s", pragma)
		}
	}

	store := &sqliteClientStore{db: db}
	if err = store.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return store, nil
}

func (s *sqliteClientStore) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS clients (
  id BLOB PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  public_key BLOB,
  last_seen INTEGER NOT NULL -- unix micro
);

CREATE TABLE IF NOT EXISTS files (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  client_id BLOB NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
  file_name TEXT NOT NULL,
  size INTEGER NOT NULL,
  checksum INTEGER NOT NULL,
  verified INTEGER NOT NULL DEFAULT 0, -- boolean (0/1)
  stored_at INTEGER NOT NULL -- unix micro
);

CREATE INDEX IF NOT EXISTS idx_files_client ON files (client_id, stored_at);
`
	_, err := s.db.Exec(stmt)
	return err
}

func (s *sqliteClientStore) SaveClient(ctx context.Context, client ClientRecord) error {
	const q = `
INSERT INTO clients (id, name, public_key, last_seen)
VALUES (?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q, client.ID[:], client.Name, nullableBlob(client.PublicKey), client.LastSeen.UnixMicro())
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return errors.Wrapf(ErrDuplicateName, "insert client %s named %q", client.ID, client.Name)
	}
	if err != nil {
		return fmt.Errorf("insert client %s: %w", client.ID, err)
	}
	return nil
}

func (s *sqliteClientStore) UpdatePublicKey(ctx context.Context, id protocol.ClientID, publicKey []byte) error {
	return s.updateClient(ctx, `UPDATE clients SET public_key = ? WHERE id = ?;`, publicKey, id)
}

func (s *sqliteClientStore) TouchClient(ctx context.Context, id protocol.ClientID, at time.Time) error {
	return s.updateClient(ctx, `UPDATE clients SET last_seen = ? WHERE id = ?;`, at.UnixMicro(), id)
}

func (s *sqliteClientStore) RecordFile(ctx context.Context, file FileRecord) error {
	const q = `
INSERT INTO files (client_id, file_name, size, checksum, verified, stored_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		file.ClientID[:],
		file.FileName,
		file.Size,
		int64(file.Checksum),
		file.Verified,
		file.StoredAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert file %s for client %s: %w", file.FileName, file.ClientID, err)
	}
	return nil
}

func (s *sqliteClientStore) DeleteClient(ctx context.Context, id protocol.ClientID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?;`, id[:]); err != nil {
		return fmt.Errorf("delete client %s: %w", id, err)
	}
	return nil
}

func (s *sqliteClientStore) LoadClients(ctx context.Context) ([]ClientRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, public_key, last_seen FROM clients ORDER BY last_seen;`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []ClientRecord
	for rows.Next() {
		var (
			rawID    []byte
			record   ClientRecord
			lastSeen int64
		)
		if err = rows.Scan(&rawID, &record.Name, &record.PublicKey, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		if len(rawID) != protocol.ClientIDSize {
			return nil, fmt.Errorf("client id of %d bytes in database: %w", len(rawID), protocol.ErrMalformed)
		}
		copy(record.ID[:], rawID)
		record.LastSeen = time.UnixMicro(lastSeen)
		clients = append(clients, record)
	}
	return clients, rows.Err()
}

func (s *sqliteClientStore) ListFiles(ctx context.Context, id protocol.ClientID) ([]FileRecord, error) {
	const q = `
SELECT file_name, size, checksum, verified, stored_at FROM files
WHERE client_id = ? ORDER BY stored_at, id;
`
	rows, err := s.db.QueryContext(ctx, q, id[:])
	if err != nil {
		return nil, fmt.Errorf("query files of %s: %w", id, err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		var (
			record   = FileRecord{ClientID: id}
			checksum int64
			storedAt int64
		)
		if err = rows.Scan(&record.FileName, &record.Size, &checksum, &record.Verified, &storedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		record.Checksum = uint32(checksum)
		record.StoredAt = time.UnixMicro(storedAt)
		files = append(files, record)
	}
	return files, rows.Err()
}

func (s *sqliteClientStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

/* --- PRIVATE METHODS --- */

func (s *sqliteClientStore) updateClient(ctx context.Context, q string, value any, id protocol.ClientID) error {
	res, err := s.db.ExecContext(ctx, q, value, id[:])
	if err != nil {
		return fmt.Errorf("update client %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
