package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codegachi/syncnapse-agent/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath, applies pragmas
// and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Snapshot writes a consistent copy of the database to destPath using
// VACUUM INTO. The destination must not already exist.
func (s *SQLiteStore) Snapshot(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("snapshot destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	return nil
}

// UpsertNote writes the authoritative copy of a note.
func (s *SQLiteStore) UpsertNote(ctx context.Context, n *types.Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, folder_id, title, content, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			folder_id = excluded.folder_id,
			title = excluded.title,
			content = excluded.content,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, n.ID, n.FolderID, n.Title, n.Content,
		n.CreatedAt.UTC().Format(time.RFC3339Nano),
		n.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(n.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

// GetNote retrieves a note by id. Soft-deleted notes are not returned.
func (s *SQLiteStore) GetNote(ctx context.Context, id string) (*types.Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, folder_id, title, content, created_at, updated_at, deleted_at
		FROM notes
		WHERE id = ? AND deleted_at IS NULL
	`, id)
	return scanNote(row)
}

// ListNotes returns all live notes, optionally filtered by folder.
func (s *SQLiteStore) ListNotes(ctx context.Context, folderID string) ([]types.Note, error) {
	q := `
		SELECT id, folder_id, title, content, created_at, updated_at, deleted_at
		FROM notes
		WHERE deleted_at IS NULL`
	args := []any{}
	if folderID != "" {
		q += " AND folder_id = ?"
		args = append(args, folderID)
	}
	q += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	notes := make([]types.Note, 0)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

// DeleteNote soft-deletes a note.
func (s *SQLiteStore) DeleteNote(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notes SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertFolder writes the authoritative copy of a folder.
func (s *SQLiteStore) UpsertFolder(ctx context.Context, f *types.Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, parent_id, name, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, f.ID, f.ParentID, f.Name,
		f.CreatedAt.UTC().Format(time.RFC3339Nano),
		f.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(f.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert folder: %w", err)
	}
	return nil
}

// GetFolder retrieves a folder by id. Soft-deleted folders are not returned.
func (s *SQLiteStore) GetFolder(ctx context.Context, id string) (*types.Folder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, name, created_at, updated_at, deleted_at
		FROM folders
		WHERE id = ? AND deleted_at IS NULL
	`, id)
	return scanFolder(row)
}

// ListFolders returns all live folders.
func (s *SQLiteStore) ListFolders(ctx context.Context) ([]types.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, name, created_at, updated_at, deleted_at
		FROM folders
		WHERE deleted_at IS NULL
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	folders := make([]types.Folder, 0)
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// DeleteFolder soft-deletes a folder.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE folders SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(...any) error }

func scanNote(scanner rowScanner) (*types.Note, error) {
	var n types.Note
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := scanner.Scan(&n.ID, &n.FolderID, &n.Title, &n.Content, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan note: %w", err)
	}

	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt.String); err == nil {
			n.DeletedAt = &t
		}
	}
	return &n, nil
}

func scanFolder(scanner rowScanner) (*types.Folder, error) {
	var f types.Folder
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := scanner.Scan(&f.ID, &f.ParentID, &f.Name, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan folder: %w", err)
	}

	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt.String); err == nil {
			f.DeletedAt = &t
		}
	}
	return &f, nil
}

// nullableTime converts an optional timestamp to a sql-friendly value.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
