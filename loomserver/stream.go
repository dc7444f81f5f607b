package loomserver

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"tangled.org/loom/loomserver/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams status events over a websocket: full backfill first,
// then live events as the notifier pokes us.
func (s *Loom) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Info("received new connection")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var cursor int64

	// complete backfill first before going to live data
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

func (s *Loom) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		evs, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return nil
		}

		for _, ev := range evs {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.ID
		}
	}
}

// Logs streams a run's log over a websocket, line by line. For a
// live run the stream follows the log file until the run reaches a
// terminal status.
func (s *Loom) Logs(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Logs")

	id := models.RunID(chi.URLParam(r, "id"))
	run, err := s.db.GetRun(id)
	if err != nil {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(models.LogFilePath(s.cfg.Pipelines.LogDir, id))
	if err != nil {
		writeError(w, "no logs for run", http.StatusNotFound)
		return
	}
	defer f.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	reader := &logFollower{r: bufio.NewReader(f)}
	if err := streamLogLines(conn, reader); err != nil {
		l.Error("failed to stream log", "run", id, "err", err)
		return
	}

	if run.Status.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := streamLogLines(conn, reader); err != nil {
				l.Error("failed to stream log", "run", id, "err", err)
				return
			}
			run, err := s.db.GetRun(id)
			if err != nil {
				return
			}
			if run.Status.Terminal() {
				// drain whatever the last transition flushed
				streamLogLines(conn, reader)
				return
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// logFollower reads newline-delimited records from a file that may
// still be growing. A partial trailing line is held back until the
// rest of it lands.
type logFollower struct {
	r       *bufio.Reader
	partial []byte
}

func (f *logFollower) next() ([]byte, error) {
	chunk, err := f.r.ReadBytes('\n')
	f.partial = append(f.partial, chunk...)

	if err == nil {
		line := f.partial
		f.partial = nil
		return line, nil
	}
	return nil, err
}

func streamLogLines(conn *websocket.Conn, reader *logFollower) error {
	for {
		line, err := reader.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if werr := conn.WriteMessage(websocket.TextMessage, line); werr != nil {
			return werr
		}
	}
}
