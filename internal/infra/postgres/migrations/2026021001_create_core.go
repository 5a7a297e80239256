package migrations

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

const createCoreSQL = `
CREATE TABLE IF NOT EXISTS quizzes (
	id   TEXT PRIMARY KEY,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                     TEXT PRIMARY KEY,
	quiz_id                TEXT NOT NULL,
	join_code              TEXT NOT NULL,
	state                  TEXT NOT NULL,
	current_question_index INT NOT NULL DEFAULT 0,
	participant_count      INT NOT NULL DEFAULT 0,
	timer_end_time         BIGINT NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_join_code_live
	ON sessions (join_code) WHERE state <> 'ENDED';

CREATE TABLE IF NOT EXISTS participants (
	id            TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	nickname      TEXT NOT NULL,
	total_score   INT NOT NULL DEFAULT 0,
	total_time_ms BIGINT NOT NULL DEFAULT 0,
	streak_count  INT NOT NULL DEFAULT 0,
	is_active     BOOLEAN NOT NULL DEFAULT true,
	is_eliminated BOOLEAN NOT NULL DEFAULT false,
	is_banned     BOOLEAN NOT NULL DEFAULT false,
	is_spectator  BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (id, session_id)
);

CREATE TABLE IF NOT EXISTS answers (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	participant_id   TEXT NOT NULL,
	question_id      TEXT NOT NULL,
	selected_options TEXT[],
	answer_text      TEXT,
	answer_number    DOUBLE PRECISION,
	submitted_at     TIMESTAMPTZ NOT NULL,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	is_correct       BOOLEAN NOT NULL DEFAULT false,
	points_awarded   INT NOT NULL DEFAULT 0,
	UNIQUE (participant_id, question_id, session_id)
);
CREATE INDEX IF NOT EXISTS answers_session_question
	ON answers (session_id, question_id, submitted_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id             BIGSERIAL PRIMARY KEY,
	kind           TEXT NOT NULL,
	session_id     TEXT,
	participant_id TEXT,
	remote_addr    TEXT,
	reason         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_logs_session_time
	ON audit_logs (session_id, created_at);
`

const dropCoreSQL = `
DROP TABLE IF EXISTS audit_logs;
DROP TABLE IF EXISTS answers;
DROP TABLE IF EXISTS participants;
DROP TABLE IF EXISTS sessions;
DROP TABLE IF EXISTS quizzes;
`

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, createCoreSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, dropCoreSQL)
			return err
		},
	)
}
