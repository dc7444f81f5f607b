package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			repo text not null,
			branch text not null,
			commit_sha text not null,
			event text not null,
			status text not null default 'queued',
			reason text not null default '',
			error text not null default '',
			created_at datetime not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			started_at datetime,
			updated_at datetime not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at datetime
		);

		create table if not exists job_executions (
			id integer primary key autoincrement,
			run_id text not null,
			name text not null,
			status text not null default 'queued',
			reason text not null default '',
			error text not null default '',
			exit_code integer not null default 0,
			started_at datetime,
			finished_at datetime,

			unique (run_id, name),
			foreign key (run_id) references runs(id)
		);

		create table if not exists step_results (
			id integer primary key autoincrement,
			run_id text not null,
			job text not null,
			idx integer not null,
			name text not null,
			command text not null,
			status text not null,
			exit_code integer not null default 0,
			duration_ms integer not null default 0,

			unique (run_id, job, idx),
			foreign key (run_id) references runs(id)
		);

		-- status event feed, one row per state transition
		create table if not exists events (
			id integer primary key autoincrement,
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
