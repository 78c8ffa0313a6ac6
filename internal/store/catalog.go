package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS tags (
	name       TEXT PRIMARY KEY,
	image      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS containers (
	id          TEXT PRIMARY KEY,
	image       TEXT NOT NULL,
	argv        TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	exit_code   INTEGER
);

CREATE INDEX IF NOT EXISTS containers_started ON containers (started_at);
`

func openCatalog(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring catalog: %w", err)
	}

	if _, err := db.ExecContext(ctx, catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return db, nil
}

// NormalizeTag adds the default "latest" tag to a bare repository name.
func NormalizeTag(name string) string {
	last := name[strings.LastIndex(name, "/")+1:]
	if strings.Contains(last, ":") || strings.Contains(name, "@") {
		return name
	}
	return name + ":latest"
}

// TagRecord is a catalog entry mapping a name to an image
type TagRecord struct {
	Name    string
	Image   digest.Digest
	Updated time.Time
}

// Tag points name at the image id, replacing any previous target.
func (s *Store) Tag(ctx context.Context, name string, id digest.Digest) error {
	if _, err := s.GetImage(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (name, image, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET image = excluded.image, updated_at = excluded.updated_at`,
		NormalizeTag(name), id.String(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("tagging %s: %w", name, err)
	}
	return nil
}

// LookupTag returns the image a name points at.
func (s *Store) LookupTag(ctx context.Context, name string) (digest.Digest, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT image FROM tags WHERE name = ?`, NormalizeTag(name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("tag %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("looking up tag %s: %w", name, err)
	}
	return digest.Digest(id), nil
}

// Tags lists every tag ordered by name.
func (s *Store) Tags(ctx context.Context) ([]TagRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, image, updated_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer rows.Close()

	var out []TagRecord
	for rows.Next() {
		var rec TagRecord
		var id string
		var updated int64
		if err := rows.Scan(&rec.Name, &id, &updated); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		rec.Image = digest.Digest(id)
		rec.Updated = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ContainerRecord is the history entry of one container run
type ContainerRecord struct {
	ID       string
	Image    digest.Digest
	Argv     []string
	Started  time.Time
	Finished time.Time
	// ExitCode is nil while the container runs or if it never started
	ExitCode *int
}

// RecordContainer stores the start of a container run.
func (s *Store) RecordContainer(ctx context.Context, rec ContainerRecord) error {
	argv, err := json.Marshal(rec.Argv)
	if err != nil {
		return fmt.Errorf("marshaling argv: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO containers (id, image, argv, started_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Image.String(), string(argv), rec.Started.UnixNano())
	if err != nil {
		return fmt.Errorf("recording container %s: %w", rec.ID, err)
	}
	return nil
}

// FinishContainer stores the exit of a container run. A nil exit code marks
// a run whose process never started.
func (s *Store) FinishContainer(ctx context.Context, id string, exitCode *int, at time.Time) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET finished_at = ?, exit_code = ? WHERE id = ?`,
		at.UnixNano(), code, id)
	if err != nil {
		return fmt.Errorf("finishing container %s: %w", id, err)
	}
	return nil
}

// Containers returns the most recent runs, newest first.
func (s *Store) Containers(ctx context.Context, limit int) ([]ContainerRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image, argv, started_at, finished_at, exit_code
		FROM containers ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	defer rows.Close()

	var out []ContainerRecord
	for rows.Next() {
		var rec ContainerRecord
		var image, argv string
		var started int64
		var finished, code sql.NullInt64
		if err := rows.Scan(&rec.ID, &image, &argv, &started, &finished, &code); err != nil {
			return nil, fmt.Errorf("scanning container: %w", err)
		}
		if err := json.Unmarshal([]byte(argv), &rec.Argv); err != nil {
			return nil, fmt.Errorf("parsing argv of %s: %w", rec.ID, err)
		}
		rec.Image = digest.Digest(image)
		rec.Started = time.Unix(0, started).UTC()
		if finished.Valid {
			rec.Finished = time.Unix(0, finished.Int64).UTC()
		}
		if code.Valid {
			c := int(code.Int64)
			rec.ExitCode = &c
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
