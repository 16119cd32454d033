package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// SchemaVersion is the schema this build expects. The health endpoint
// compares it against the migrations table; `server --migrate` applies it.
const SchemaVersion = 1

// ddl is the full schema. Statements are idempotent so re-running a
// migration is harmless. The chunks.embedding column is a dimension-less
// pgvector type: dimensionality is fixed per source by whichever
// embedding model processed it, not by the schema.
const ddl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS users (
	id                       TEXT PRIMARY KEY,
	email                    TEXT NOT NULL UNIQUE,
	hashed_password          TEXT NOT NULL,
	display_name             TEXT NOT NULL DEFAULT '',
	is_active                BOOLEAN NOT NULL DEFAULT TRUE,
	is_admin                 BOOLEAN NOT NULL DEFAULT FALSE,
	has_completed_onboarding BOOLEAN NOT NULL DEFAULT FALSE,
	created                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated                  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_provider_secrets (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	provider        TEXT NOT NULL,
	encrypted_value TEXT NOT NULL,
	display_name    TEXT NOT NULL DEFAULT '',
	created         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, provider)
);

CREATE TABLE IF NOT EXISTS notebooks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	archived    BOOLEAN NOT NULL DEFAULT FALSE,
	owner       TEXT NOT NULL,
	created     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notebooks_owner ON notebooks (owner);

CREATE TABLE IF NOT EXISTS sources (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	owner           TEXT NOT NULL,
	asset_kind      TEXT NOT NULL,
	asset_file_path TEXT NOT NULL DEFAULT '',
	asset_url       TEXT NOT NULL DEFAULT '',
	asset_inline    TEXT NOT NULL DEFAULT '',
	full_text       TEXT NOT NULL DEFAULT '',
	content_length  INTEGER NOT NULL DEFAULT 0,
	embedded_chunks INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'queued',
	error_message   TEXT NOT NULL DEFAULT '',
	command_id      TEXT NOT NULL DEFAULT '',
	created         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sources_owner ON sources (owner);

CREATE TABLE IF NOT EXISTS notebook_sources (
	notebook_id TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	PRIMARY KEY (notebook_id, source_id)
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   vector
);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks (source_id, chunk_index);

CREATE TABLE IF NOT EXISTS insights (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	transformation_id TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL,
	created           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_insights_source ON insights (source_id);

CREATE TABLE IF NOT EXISTS transformations (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	prompt_template TEXT NOT NULL,
	owner           TEXT NOT NULL DEFAULT '',
	created         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS notes (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	owner       TEXT NOT NULL,
	notebook_id TEXT NOT NULL,
	created     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notes_notebook ON notes (notebook_id);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id          TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	notebook_id TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	created     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_notebook ON chat_sessions (notebook_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS episodes (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	owner         TEXT NOT NULL,
	notebook_id   TEXT NOT NULL DEFAULT '',
	profile_id    TEXT NOT NULL DEFAULT '',
	transcript    TEXT NOT NULL DEFAULT '',
	audio_file    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'queued',
	error_message TEXT NOT NULL DEFAULT '',
	command_id    TEXT NOT NULL DEFAULT '',
	created       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_episodes_owner ON episodes (owner);

CREATE TABLE IF NOT EXISTS episode_profiles (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	speaker_profiles TEXT[] NOT NULL DEFAULT '{}',
	briefing         TEXT NOT NULL DEFAULT '',
	segment_count    INTEGER NOT NULL DEFAULT 0,
	owner            TEXT NOT NULL DEFAULT '',
	created          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS speaker_profiles (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	voice_id    TEXT NOT NULL DEFAULT '',
	personality TEXT NOT NULL DEFAULT '',
	owner       TEXT NOT NULL DEFAULT '',
	created     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS commands (
	id            TEXT PRIMARY KEY,
	namespace     TEXT NOT NULL,
	name          TEXT NOT NULL,
	input         JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'new',
	result        JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	claimed_at    TIMESTAMPTZ,
	claimed_by    TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	created       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands (status, created);

CREATE TABLE IF NOT EXISTS model_configs (
	id              TEXT PRIMARY KEY,
	owner           TEXT NOT NULL UNIQUE,
	chat_model      TEXT NOT NULL DEFAULT '',
	embedding_model TEXT NOT NULL DEFAULT '',
	updated         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS migrations (
	version INTEGER PRIMARY KEY,
	applied TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate applies the schema and records the version. Invoked by
// `server --migrate`; the serving path only compares versions.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := r.pool.Exec(ctx,
		"INSERT INTO migrations (version) VALUES ($1) ON CONFLICT DO NOTHING", SchemaVersion)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	log.Info().Int("version", SchemaVersion).Msg("schema migrated")
	return nil
}

// MigrationVersion reports the highest applied version; 0 means the
// database has never been migrated.
func (r *Repo) MigrationVersion(ctx context.Context) (int, error) {
	var version int
	err := r.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" { // undefined_table
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}
