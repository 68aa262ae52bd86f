// Package runtime implements the cooperative long-running task state
// machine shared by the indexer and the migration engine. Each gets its own
// Controller instance so that their phase/progress/error state never
// collide, but the transition rules and pause/cancel semantics are
// identical across both. No package in this module creates a Controller
// for enrichment.
package runtime

import (
	"sync"
	"time"

	. "github.com/flyingrobots/blacklight/internal/logging"
)

// State is one node of the task lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Phase is one stage within a running task. The indexer cycles through
// scan/sessions/conversations/tasks/facets/stats/plans/history/fingerprint/
// backup/done; the migration engine sets phases from this same list.
// NewController takes no phase list, so every Controller shares these
// Phase and State values.
type Phase string

const (
	PhaseScan          Phase = "scan"
	PhaseSessions      Phase = "sessions"
	PhaseConversations Phase = "conversations"
	PhaseTasks         Phase = "tasks"
	PhaseFacets        Phase = "facets"
	PhaseStats         Phase = "stats"
	PhasePlans         Phase = "plans"
	PhaseHistory       Phase = "history"
	PhaseFingerprint   Phase = "fingerprint"
	PhaseBackup        Phase = "backup"
	PhaseDone          Phase = "done"
)

// Progress is the point-in-time snapshot exposed to callers. Counters are
// generic; a given Controller only populates the ones relevant to its task
// (the indexer sets FilesTotal/FilesDone/MessagesProcessed/BlobsInserted,
// migration sets TotalSessions/BackedUp/FingerprintsUpdated).
// SessionsTotal/SessionsDone/SessionsFailed are enrichment counters that no
// package in this module sets.
type Progress struct {
	State   State
	Phase   Phase
	Error   string
	Started time.Time
	Ended   time.Time

	FilesTotal        int64
	FilesDone         int64
	MessagesProcessed int64
	BlobsInserted     int64

	TotalSessions        int64
	BackedUp             int64
	FingerprintsUpdated  int64

	SessionsTotal  int64
	SessionsDone   int64
	SessionsFailed int64
}

// Controller is a cooperative state machine for one long-running task.
// Callers drive it from a worker goroutine by calling CheckPoint at every
// batch/file boundary (per spec: never inside an open transaction) and
// updating progress fields via the accessor methods; external callers
// drive it via Start/Pause/Resume/Stop/Snapshot.
type Controller struct {
	mu       sync.Mutex
	progress Progress

	pauseRequested  bool
	cancelRequested bool
	resumeSignal    chan struct{}
}

// NewController returns an idle Controller.
func NewController() *Controller {
	return &Controller{
		progress: Progress{State: StateIdle},
	}
}

// Start transitions idle -> running. A no-op if already running (spec:
// "starting from running is a no-op"). Returns false if another instance of
// this Controller is already paused, since only one instance may be
// running or paused at a time; callers enforce the one-per-process-slot
// rule by sharing a single Controller per task kind.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.progress.State {
	case StateRunning:
		return true
	case StatePaused:
		return false
	}

	c.progress = Progress{State: StateRunning, Phase: PhaseScan, Started: time.Now()}
	c.pauseRequested = false
	c.cancelRequested = false
	c.resumeSignal = make(chan struct{})
	L_info("runtime: controller started")
	return true
}

// Pause requests a cooperative pause. Takes effect the next time the
// worker calls CheckPoint.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress.State == StateRunning {
		c.pauseRequested = true
	}
}

// Resume transitions paused -> running, waking any worker blocked in
// CheckPoint.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress.State != StatePaused {
		return
	}
	c.progress.State = StateRunning
	c.pauseRequested = false
	close(c.resumeSignal)
	c.resumeSignal = make(chan struct{})
}

// Stop requests cooperative cancellation. A no-op from idle (spec:
// "stopping from idle is a no-op").
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress.State == StateIdle {
		return
	}
	c.cancelRequested = true
	if c.progress.State == StatePaused {
		// Wake the paused worker so it can observe the cancel request
		// and unwind instead of blocking forever.
		close(c.resumeSignal)
		c.resumeSignal = make(chan struct{})
	}
}

// CheckPoint is called by the worker at every batch/file boundary. It
// blocks while paused, and returns true if the worker must unwind because
// cancellation was requested. MUST only be called between transactions,
// never with one open.
func (c *Controller) CheckPoint() (mustStop bool) {
	c.mu.Lock()
	if c.cancelRequested {
		c.mu.Unlock()
		return true
	}
	if c.pauseRequested {
		c.progress.State = StatePaused
		resumeSignal := c.resumeSignal
		c.mu.Unlock()
		<-resumeSignal
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cancelRequested
	}
	c.mu.Unlock()
	return false
}

// Finish records the terminal state reached by the worker: completed on
// normal end, cancelled if CheckPoint told it to unwind, failed on error.
func (c *Controller) Finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.progress.Ended = time.Now()
	switch {
	case err != nil:
		c.progress.State = StateFailed
		c.progress.Error = err.Error()
		L_error("runtime: controller failed", "error", err)
	case c.cancelRequested:
		c.progress.State = StateCancelled
		L_info("runtime: controller cancelled")
	default:
		c.progress.State = StateCompleted
		c.progress.Phase = PhaseDone
		L_info("runtime: controller completed")
	}
}

// SetPhase records which phase the worker has entered.
func (c *Controller) SetPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.Phase = p
}

// AddFilesTotal/AddFilesDone/AddMessagesProcessed/AddBlobsInserted advance
// the indexer's counters. Each is an atomic increment under the
// Controller's own lock rather than a separate atomic field, since
// Snapshot needs a consistent view across all counters together.
func (c *Controller) AddFilesTotal(n int64)        { c.add(func(p *Progress) { p.FilesTotal += n }) }
func (c *Controller) AddFilesDone(n int64)         { c.add(func(p *Progress) { p.FilesDone += n }) }
func (c *Controller) AddMessagesProcessed(n int64) { c.add(func(p *Progress) { p.MessagesProcessed += n }) }
func (c *Controller) AddBlobsInserted(n int64)     { c.add(func(p *Progress) { p.BlobsInserted += n }) }

// AddTotalSessions/AddBackedUp/AddFingerprintsUpdated advance the migration
// engine's counters.
func (c *Controller) AddTotalSessions(n int64)       { c.add(func(p *Progress) { p.TotalSessions += n }) }
func (c *Controller) AddBackedUp(n int64)            { c.add(func(p *Progress) { p.BackedUp += n }) }
func (c *Controller) AddFingerprintsUpdated(n int64) { c.add(func(p *Progress) { p.FingerprintsUpdated += n }) }

// AddSessionsTotal/AddSessionsDone/AddSessionsFailed advance the
// enrichment counters; nothing in this module calls them.
func (c *Controller) AddSessionsTotal(n int64)  { c.add(func(p *Progress) { p.SessionsTotal += n }) }
func (c *Controller) AddSessionsDone(n int64)   { c.add(func(p *Progress) { p.SessionsDone += n }) }
func (c *Controller) AddSessionsFailed(n int64) { c.add(func(p *Progress) { p.SessionsFailed += n }) }

func (c *Controller) add(mutate func(*Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutate(&c.progress)
}

// Snapshot returns a copy of the current progress for a retrieval/status
// query; safe to call from any goroutine at any time.
func (c *Controller) Snapshot() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// IsActive reports whether the task currently occupies its process-wide
// running/paused slot.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress.State == StateRunning || c.progress.State == StatePaused
}
