package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/notifier"
)

type Event struct {
	ID      int64  `json:"id"`
	RunID   string `json:"run_id"`
	Created int64  `json:"created"`
	Event   string `json:"event"`
}

func (d *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (run_id, event, created) values (?, ?, ?)`,
		event.RunID,
		event.Event,
		time.Now().UnixNano(),
	)

	n.NotifyAll()

	return err
}

// GetEvents pages through status events created after the cursor.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, run_id, event, created
		from events
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Event, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createStatusEvent(se models.StatusEvent, n *notifier.Notifier) error {
	se.Time = time.Now().Format(time.RFC3339)

	eventJson, err := json.Marshal(se)
	if err != nil {
		return err
	}

	return d.InsertEvent(Event{
		RunID: string(se.RunID),
		Event: string(eventJson),
	}, n)
}

// NotifyStepStarted publishes an intermediate status event for a step
// that just began; step results themselves are recorded on completion.
func (d *DB) NotifyStepStarted(id models.JobID, step string, n *notifier.Notifier) error {
	return d.createStatusEvent(models.StatusEvent{
		RunID:  id.Run,
		Status: models.StatusRunning,
		Job:    id.Name,
		Step:   step,
	}, n)
}
