package db

import (
	"database/sql"
	"time"

	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/notifier"
)

func (d *DB) MarkJobRunning(id models.JobID, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update job_executions
		set status = ?, started_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, models.StatusRunning, id.Run, id.Name)
	if err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  id.Run,
		Status: models.StatusRunning,
		Job:    id.Name,
	}, n)
}

func (d *DB) MarkJobSuccess(id models.JobID, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update job_executions
		set status = ?, finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, models.StatusSuccess, id.Run, id.Name)
	if err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  id.Run,
		Status: models.StatusSuccess,
		Job:    id.Name,
	}, n)
}

func (d *DB) MarkJobFailed(id models.JobID, reason models.Reason, exitCode int, errMsg string, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update job_executions
		set status = ?,
		    reason = ?,
		    exit_code = ?,
		    error = ?,
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, models.StatusFailed, reason, exitCode, errMsg, id.Run, id.Name)
	if err != nil {
		return err
	}

	exitCode64 := int64(exitCode)
	return d.createStatusEvent(models.StatusEvent{
		RunID:    id.Run,
		Status:   models.StatusFailed,
		Job:      id.Name,
		Reason:   reason,
		Error:    errMsg,
		ExitCode: &exitCode64,
	}, n)
}

func (d *DB) MarkJobCancelled(id models.JobID, reason models.Reason, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update job_executions
		set status = ?,
		    reason = ?,
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, models.StatusCancelled, reason, id.Run, id.Name)
	if err != nil {
		return err
	}

	return d.createStatusEvent(models.StatusEvent{
		RunID:  id.Run,
		Status: models.StatusCancelled,
		Job:    id.Name,
		Reason: reason,
	}, n)
}

// RecordStepResult persists a completed step and publishes its status.
func (d *DB) RecordStepResult(id models.JobID, res models.StepResult, n *notifier.Notifier) error {
	_, err := d.Exec(`
		insert into step_results (run_id, job, idx, name, command, status, exit_code, duration_ms)
		values (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.Run, id.Name, res.Index, res.Name, res.Command, res.Status, res.ExitCode, res.Duration.Milliseconds())
	if err != nil {
		return err
	}

	exitCode64 := int64(res.ExitCode)
	return d.createStatusEvent(models.StatusEvent{
		RunID:    id.Run,
		Status:   res.Status,
		Job:      id.Name,
		Step:     res.Name,
		ExitCode: &exitCode64,
	}, n)
}

func (d *DB) getJobExecutions(runID models.RunID) ([]models.JobExecution, error) {
	rows, err := d.Query(`
		select name, status, reason, error, exit_code, started_at, finished_at
		from job_executions
		where run_id = ?
		order by id asc
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.JobExecution
	for rows.Next() {
		je := models.JobExecution{RunID: runID}
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&je.Name, &je.Status, &je.Reason, &je.Error, &je.ExitCode, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		je.StartedAt = startedAt.Time
		je.FinishedAt = finishedAt.Time

		steps, err := d.getStepResults(runID, je.Name)
		if err != nil {
			return nil, err
		}
		je.Steps = steps

		jobs = append(jobs, je)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (d *DB) getStepResults(runID models.RunID, job string) ([]models.StepResult, error) {
	rows, err := d.Query(`
		select idx, name, command, status, exit_code, duration_ms
		from step_results
		where run_id = ? and job = ?
		order by idx asc
	`, runID, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.StepResult
	for rows.Next() {
		var sr models.StepResult
		var durationMs int64
		if err := rows.Scan(&sr.Index, &sr.Name, &sr.Command, &sr.Status, &sr.ExitCode, &durationMs); err != nil {
			return nil, err
		}
		sr.Duration = time.Duration(durationMs) * time.Millisecond
		steps = append(steps, sr)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return steps, nil
}
