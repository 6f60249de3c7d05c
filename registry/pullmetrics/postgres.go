package pullmetrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	events "github.com/docker/go-events"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/opencontainers/go-digest"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tag_pull_statistics (
	repository TEXT NOT NULL,
	tag_name TEXT NOT NULL,
	tag_pull_count BIGINT NOT NULL DEFAULT 0,
	last_tag_pull_date TIMESTAMPTZ NOT NULL,
	current_manifest_digest TEXT NOT NULL,
	PRIMARY KEY (repository, tag_name)
);

CREATE TABLE IF NOT EXISTS manifest_pull_statistics (
	repository TEXT NOT NULL,
	manifest_digest TEXT NOT NULL,
	manifest_pull_count BIGINT NOT NULL DEFAULT 0,
	last_manifest_pull_date TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (repository, manifest_digest)
);
`

const (
	upsertTagStatistics = `
INSERT INTO tag_pull_statistics
	(repository, tag_name, tag_pull_count, last_tag_pull_date, current_manifest_digest)
VALUES ($1, $2, 1, $3, $4)
ON CONFLICT (repository, tag_name)
DO UPDATE SET
	tag_pull_count = tag_pull_statistics.tag_pull_count + 1,
	last_tag_pull_date = GREATEST(tag_pull_statistics.last_tag_pull_date, EXCLUDED.last_tag_pull_date),
	current_manifest_digest = EXCLUDED.current_manifest_digest`

	upsertManifestStatistics = `
INSERT INTO manifest_pull_statistics
	(repository, manifest_digest, manifest_pull_count, last_manifest_pull_date)
VALUES ($1, $2, 1, $3)
ON CONFLICT (repository, manifest_digest)
DO UPDATE SET
	manifest_pull_count = manifest_pull_statistics.manifest_pull_count + 1,
	last_manifest_pull_date = GREATEST(manifest_pull_statistics.last_manifest_pull_date, EXCLUDED.last_manifest_pull_date)`
)

// PostgresSink keeps statistics in the tag_pull_statistics and
// manifest_pull_statistics tables.
type PostgresSink struct {
	db *sqlx.DB
}

var (
	_ events.Sink = &PostgresSink{}
	_ StatsReader = &PostgresSink{}
)

// NewPostgresSink connects to dsn and creates the tables if needed.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pullmetrics: postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pullmetrics: creating schema: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// DB returns the connection pool, for health checks.
func (s *PostgresSink) DB() *sqlx.DB {
	return s.db
}

// Write counts the pull on the manifest and, for tag pulls, on the tag, in
// one transaction.
func (s *PostgresSink) Write(event events.Event) error {
	ev, ok := event.(Event)
	if !ok {
		return fmt.Errorf("pullmetrics: unexpected event %T", event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	at := ev.Time.UTC()
	if ev.Tag != "" {
		if _, err := tx.ExecContext(ctx, upsertTagStatistics, ev.Repository, ev.Tag, at, ev.Digest.String()); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, upsertManifestStatistics, ev.Repository, ev.Digest.String(), at); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// TagStatistics returns the statistics of a tag.
func (s *PostgresSink) TagStatistics(ctx context.Context, repository, tag string) (Stats, error) {
	var stats Stats
	err := s.db.GetContext(ctx, &stats, `
SELECT tag_pull_count AS pull_count, last_tag_pull_date AS last_pull_date, current_manifest_digest
FROM tag_pull_statistics WHERE repository = $1 AND tag_name = $2`, repository, tag)
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{}, ErrNoStatistics
	}
	return stats, err
}

// ManifestStatistics returns the statistics of a manifest.
func (s *PostgresSink) ManifestStatistics(ctx context.Context, repository string, dgst digest.Digest) (Stats, error) {
	var stats Stats
	err := s.db.GetContext(ctx, &stats, `
SELECT manifest_pull_count AS pull_count, last_manifest_pull_date AS last_pull_date, '' AS current_manifest_digest
FROM manifest_pull_statistics WHERE repository = $1 AND manifest_digest = $2`, repository, dgst.String())
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{}, ErrNoStatistics
	}
	return stats, err
}
