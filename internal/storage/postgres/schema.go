package postgres

// Schema is the DDL applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	url  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL,
	stage               TEXT NOT NULL,
	status              TEXT NOT NULL,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	error_message       TEXT,
	next_stage          TEXT,
	next_stage_payload  JSONB,
	next_stage_at       TIMESTAMPTZ,
	next_stage_attempts INT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_pending_stage_idx ON jobs (next_stage_at) WHERE next_stage IS NOT NULL;

CREATE TABLE IF NOT EXISTS job_states (
	job_id         TEXT PRIMARY KEY REFERENCES jobs (id) ON DELETE CASCADE,
	cursor         TEXT NOT NULL DEFAULT '',
	batch_progress JSONB NOT NULL DEFAULT '{}',
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	function_name TEXT NOT NULL,
	level         TEXT NOT NULL,
	message       TEXT NOT NULL,
	meta          JSONB,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS execution_logs_job_idx ON execution_logs (job_id, created_at);

CREATE TABLE IF NOT EXISTS pages (
	project_id       TEXT NOT NULL,
	url              TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	meta_description TEXT NOT NULL DEFAULT '',
	h1               TEXT NOT NULL DEFAULT '',
	word_count       INT NOT NULL DEFAULT 0,
	technical_score  INT NOT NULL CHECK (technical_score BETWEEN 0 AND 100),
	content_score    INT NOT NULL CHECK (content_score BETWEEN 0 AND 100),
	seo_score        INT NOT NULL CHECK (seo_score BETWEEN 0 AND 100),
	ai_analysis      JSONB,
	on_page_data     JSONB NOT NULL DEFAULT '{}',
	ai_status        TEXT NOT NULL,
	last_audited     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project_id, url)
);

CREATE TABLE IF NOT EXISTS reports (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	job_id       TEXT NOT NULL,
	report_type  TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (project_id, job_id)
);
`
