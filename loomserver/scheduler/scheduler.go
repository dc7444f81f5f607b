package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"tangled.org/loom/log"
	"tangled.org/loom/loomserver/config"
	"tangled.org/loom/loomserver/db"
	"tangled.org/loom/loomserver/engine"
	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/loomserver/queue"
	"tangled.org/loom/loomserver/runner"
	"tangled.org/loom/notifier"
	"tangled.org/loom/workflow"
)

// Scheduler admits triggered runs, assigns runners, and enforces the
// concurrency policy: at most MaxRuns runs execute system-wide, at
// most MaxPerBranch runs may be live per {repo, branch}, and a newer
// push to a branch supersedes that branch's older runs.
type Scheduler struct {
	l    *slog.Logger
	db   *db.DB
	n    *notifier.Notifier
	eng  engine.Engine
	pool *runner.Pool
	cfg  *config.Config

	q   *queue.Queue
	sem *semaphore.Weighted

	rootCtx context.Context

	mu     sync.Mutex
	active map[models.RunID]*activeRun
}

// activeRun is the in-memory handle on a queued or running run; its
// context is the cancellation root for everything the run does.
type activeRun struct {
	id        models.RunID
	repo      string
	branch    string
	commitSHA string
	event     string

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Scheduler.mu
	started   bool
	cancelled bool
	reason    models.Reason
}

func New(ctx context.Context, d *db.DB, n *notifier.Notifier, eng engine.Engine, pool *runner.Pool, cfg *config.Config) *Scheduler {
	return &Scheduler{
		l:       log.FromContext(ctx).With("component", "scheduler"),
		db:      d,
		n:       n,
		eng:     eng,
		pool:    pool,
		cfg:     cfg,
		q:       queue.NewQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.Workers),
		sem:     semaphore.NewWeighted(cfg.Pipelines.MaxRuns),
		rootCtx: ctx,
		active:  make(map[models.RunID]*activeRun),
	}
}

func (s *Scheduler) Start() {
	s.q.Start()
}

func (s *Scheduler) Stop() {
	s.q.Stop()
}

// Submit admits one run for the trigger, superseding older runs on
// the same branch for push events, and enqueues it oldest-first.
func (s *Scheduler) Submit(ev workflow.TriggerEvent, def *workflow.Definition) (models.RunID, error) {
	if !def.Compiled() {
		return "", ErrDefinitionInvalid
	}

	matched := def.Match(ev)
	if len(matched) == 0 {
		return "", ErrNoMatchingJobs
	}

	run := &models.Run{
		ID:        models.NewRunID(),
		Repo:      ev.Repo,
		Branch:    ev.Branch,
		CommitSHA: ev.CommitSHA,
		Event:     ev.Kind,
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	ar := &activeRun{
		id:        run.ID,
		repo:      ev.Repo,
		branch:    ev.Branch,
		commitSHA: ev.CommitSHA,
		event:     ev.Kind,
		ctx:       ctx,
		cancel:    cancel,
	}

	// supersede, the per-branch count and the slot reservation are a
	// single critical section; concurrent submissions for a branch
	// serialize here
	running, queued, err := s.admit(ev, ar)
	if err != nil {
		cancel()
		return "", err
	}

	for _, old := range running {
		s.l.Info("superseding run", "run", old.id, "repo", ev.Repo, "branch", ev.Branch)
		old.cancel()
	}
	for _, old := range queued {
		s.l.Info("superseding queued run", "run", old.id, "repo", ev.Repo, "branch", ev.Branch)
		old.cancel()
		if err := s.db.MarkRunCancelled(old.id, models.ReasonSuperseded, s.n); err != nil {
			s.l.Error("failed to mark run cancelled", "run", old.id, "error", err)
		}
	}

	jobNames := make([]string, 0, len(matched))
	for _, j := range matched {
		jobNames = append(jobNames, j.Name)
	}

	if err := s.db.CreateRun(run, jobNames, s.n); err != nil {
		s.unregister(ar)
		cancel()
		return "", err
	}

	ok := s.q.Enqueue(queue.Job{
		Run: func() error {
			return s.execute(ar, def, matched)
		},
		OnFail: func(jobError error) {
			s.l.Error("run failed", "run", run.ID, "error", jobError)
		},
	})
	if !ok {
		s.unregister(ar)
		cancel()
		if err := s.db.MarkRunCancelled(run.ID, models.ReasonInfrastructure, s.n); err != nil {
			s.l.Error("failed to mark run cancelled", "run", run.ID, "error", err)
		}
		return "", ErrQueueFull
	}

	s.l.Info("run enqueued", "run", run.ID, "repo", ev.Repo, "branch", ev.Branch, "jobs", len(jobNames))
	return run.ID, nil
}

// Cancel cancels a queued or running run. A running run is cancelled
// top-down: its context cancels its job executions, which forcibly
// terminate their in-flight steps. A run still waiting in the queue
// is marked cancelled immediately; the worker later skips it.
func (s *Scheduler) Cancel(id models.RunID) error {
	s.mu.Lock()
	ar, ok := s.active[id]
	var reason models.Reason
	var stillQueued bool
	if ok {
		ar.cancelled = true
		reason = ar.reason
		stillQueued = !ar.started
		if stillQueued {
			delete(s.active, id)
		}
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownRun
	}

	s.l.Info("cancelling run", "run", id)
	ar.cancel()

	if stillQueued {
		return s.db.MarkRunCancelled(id, reason, s.n)
	}
	return nil
}

// admit atomically supersedes older push runs on the branch, checks
// the per-branch limit against what is left, and reserves the new
// run's slot. Superseded runs come back split on whether a worker
// already started them: still-queued ones are removed from the active
// set here and must be marked cancelled by the caller.
func (s *Scheduler) admit(ev workflow.TriggerEvent, ar *activeRun) (running, queued []*activeRun, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a newer push to the same branch supersedes older push runs on
	// that branch, regardless of which definition they started from
	if ev.Kind == workflow.TriggerKindPush {
		for _, old := range s.active {
			if old.repo == ev.Repo && old.branch == ev.Branch && !old.cancelled && old.event == workflow.TriggerKindPush {
				old.cancelled = true
				old.reason = models.ReasonSuperseded
				if old.started {
					running = append(running, old)
				} else {
					delete(s.active, old.id)
					queued = append(queued, old)
				}
			}
		}
	}

	count := 0
	for _, old := range s.active {
		if old.repo == ev.Repo && old.branch == ev.Branch && !old.cancelled {
			count++
		}
	}
	if count >= s.cfg.Pipelines.MaxPerBranch {
		return nil, nil, ErrConcurrencyExceeded
	}

	s.active[ar.id] = ar
	return running, queued, nil
}

// begin transitions a run from queued to started. Returns false when
// the run was cancelled while queued and already marked, in which
// case the worker has nothing to do.
func (s *Scheduler) begin(ar *activeRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ar.cancelled && !ar.started {
		return false
	}
	ar.started = true
	return true
}

func (s *Scheduler) unregister(ar *activeRun) {
	s.mu.Lock()
	delete(s.active, ar.id)
	s.mu.Unlock()
}

func (s *Scheduler) cancelReason(ar *activeRun) models.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ar.reason
}
