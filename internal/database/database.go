package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new SQLite database connection.
// Use ":memory:" for an in-process database (tests).
func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time; keep the pool small
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✅ SQLite database connected")

	return &DB{db}, nil
}

// Initialize creates all required tables and seeds the HR reference data
func (db *DB) Initialize() error {
	log.Println("🔍 Checking database schema...")

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := db.seedHRData(); err != nil {
		return fmt.Errorf("failed to seed HR data: %w", err)
	}

	log.Println("✅ Database schema ready")
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	context_summary  TEXT,
	summary_coverage INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS memories (
	id               TEXT PRIMARY KEY,
	layer            TEXT NOT NULL,
	content          TEXT NOT NULL,
	summary          TEXT NOT NULL DEFAULT '',
	embedding        BLOB,
	entity_type      TEXT,
	entity_id        TEXT,
	source_type      TEXT NOT NULL DEFAULT 'chat',
	importance       REAL NOT NULL DEFAULT 0,
	access_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMP,
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_layer ON memories(layer);
CREATE INDEX IF NOT EXISTS idx_memories_entity ON memories(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS departments (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS employees (
	id            INTEGER PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	department_id INTEGER REFERENCES departments(id),
	position      TEXT NOT NULL,
	hired_at      DATE NOT NULL,
	salary        INTEGER
);

CREATE TABLE IF NOT EXISTS job_openings (
	id            INTEGER PRIMARY KEY,
	title         TEXT NOT NULL,
	department_id INTEGER REFERENCES departments(id),
	status        TEXT NOT NULL DEFAULT 'open',
	opened_at     DATE NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL,
	created_at DATE NOT NULL
);

CREATE TABLE IF NOT EXISTS applications (
	id         INTEGER PRIMARY KEY,
	candidate_id INTEGER NOT NULL REFERENCES candidates(id),
	opening_id   INTEGER NOT NULL REFERENCES job_openings(id),
	stage        TEXT NOT NULL DEFAULT 'applied',
	applied_at   DATE NOT NULL
);

CREATE TABLE IF NOT EXISTS leave_requests (
	id          INTEGER PRIMARY KEY,
	employee_id INTEGER NOT NULL REFERENCES employees(id),
	start_date  DATE NOT NULL,
	end_date    DATE NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending'
);
`

// seedHRData inserts a small reference dataset on first run so the assistant
// has something to query. INSERT OR IGNORE keeps restarts idempotent.
func (db *DB) seedHRData() error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM departments").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	_, err := db.Exec(`
		INSERT OR IGNORE INTO departments (id, name) VALUES
			(1, 'Engineering'), (2, 'People Operations'), (3, 'Sales'), (4, 'Finance');

		INSERT OR IGNORE INTO employees (id, name, email, department_id, position, hired_at, salary) VALUES
			(1, 'Alice Moran',  'alice.moran@example.com',  1, 'Senior Engineer',   '2021-03-15', 98000),
			(2, 'Ben Okafor',   'ben.okafor@example.com',   1, 'Engineer',          '2022-09-01', 82000),
			(3, 'Carla Diaz',   'carla.diaz@example.com',   2, 'HR Generalist',     '2020-06-10', 64000),
			(4, 'Derek Hall',   'derek.hall@example.com',   3, 'Account Executive', '2023-01-20', 71000),
			(5, 'Elena Petrov', 'elena.petrov@example.com', 4, 'Financial Analyst', '2019-11-05', 76000);

		INSERT OR IGNORE INTO job_openings (id, title, department_id, status, opened_at) VALUES
			(1, 'Staff Engineer',    1, 'open',   '2025-05-01'),
			(2, 'Sales Manager',     3, 'open',   '2025-06-12'),
			(3, 'People Ops Intern', 2, 'closed', '2025-02-01');

		INSERT OR IGNORE INTO candidates (id, name, email, created_at) VALUES
			(1, 'Farid Nasser', 'farid.nasser@example.com', '2025-05-10'),
			(2, 'Grace Lin',    'grace.lin@example.com',    '2025-05-18'),
			(3, 'Hugo Weber',   'hugo.weber@example.com',   '2025-06-20');

		INSERT OR IGNORE INTO applications (id, candidate_id, opening_id, stage, applied_at) VALUES
			(1, 1, 1, 'interview', '2025-05-12'),
			(2, 2, 1, 'screening', '2025-05-19'),
			(3, 3, 2, 'applied',   '2025-06-21');

		INSERT OR IGNORE INTO leave_requests (id, employee_id, start_date, end_date, status) VALUES
			(1, 1, '2025-08-04', '2025-08-15', 'approved'),
			(2, 3, '2025-09-01', '2025-09-05', 'pending');
	`)
	if err != nil {
		return err
	}

	log.Println("🌱 Seeded HR reference data")
	return nil
}
