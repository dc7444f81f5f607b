package db

import (
	"database/sql"

	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/notifier"
)

// CreateRun inserts a queued run along with one queued job execution
// per admitted job.
func (d *DB) CreateRun(run *models.Run, jobs []string, n *notifier.Notifier) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		insert into runs (id, repo, branch, commit_sha, event, status)
		values (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Repo, run.Branch, run.CommitSHA, run.Event, models.StatusQueued)
	if err != nil {
		return err
	}

	for _, name := range jobs {
		_, err = tx.Exec(`
			insert into job_executions (run_id, name, status)
			values (?, ?, ?)
		`, run.ID, name, models.StatusQueued)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  run.ID,
		Status: models.StatusQueued,
	}, n)
}

func (d *DB) MarkRunRunning(id models.RunID, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update runs
		set status = ?,
		    started_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusRunning, id)
	if err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  id,
		Status: models.StatusRunning,
	}, n)
}

func (d *DB) MarkRunSuccess(id models.RunID, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update runs
		set status = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusSuccess, id)
	if err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  id,
		Status: models.StatusSuccess,
	}, n)
}

func (d *DB) MarkRunFailed(id models.RunID, reason models.Reason, errMsg string, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update runs
		set status = ?,
		    reason = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusFailed, reason, errMsg, id)
	if err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  id,
		Status: models.StatusFailed,
		Reason: reason,
		Error:  errMsg,
	}, n)
}

// MarkRunCancelled transitions the run and all of its non-terminal
// job executions to cancelled.
func (d *DB) MarkRunCancelled(id models.RunID, reason models.Reason, n *notifier.Notifier) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		update runs
		set status = ?,
		    reason = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusCancelled, reason, id)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		update job_executions
		set status = ?,
		    reason = ?,
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and status in (?, ?)
	`, models.StatusCancelled, reason, id, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  id,
		Status: models.StatusCancelled,
		Reason: reason,
	}, n)
}

func (d *DB) GetRun(id models.RunID) (*models.Run, error) {
	var run models.Run
	var startedAt, finishedAt sql.NullTime

	err := d.QueryRow(`
		select id, repo, branch, commit_sha, event, status, reason, error,
		       created_at, started_at, updated_at, finished_at
		from runs
		where id = ?
	`, id).Scan(
		&run.ID, &run.Repo, &run.Branch, &run.CommitSHA, &run.Event,
		&run.Status, &run.Reason, &run.Error,
		&run.CreatedAt, &startedAt, &run.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.StartedAt = startedAt.Time
	run.FinishedAt = finishedAt.Time

	jobs, err := d.getJobExecutions(id)
	if err != nil {
		return nil, err
	}
	run.Jobs = jobs

	return &run, nil
}

// GetRuns returns the most recent runs, newest first, without their
// job executions.
func (d *DB) GetRuns(limit int) ([]models.Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := d.Query(`
		select id, repo, branch, commit_sha, event, status, reason, error,
		       created_at, started_at, updated_at, finished_at
		from runs
		order by created_at desc
		limit ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.Repo, &run.Branch, &run.CommitSHA, &run.Event,
			&run.Status, &run.Reason, &run.Error,
			&run.CreatedAt, &startedAt, &run.UpdatedAt, &finishedAt,
		); err != nil {
			return nil, err
		}
		run.StartedAt = startedAt.Time
		run.FinishedAt = finishedAt.Time
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}
