// Package lifecycle drives one job at a time from submission to a terminal
// status, reconciling the engine's event stream with a polling fallback.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genstudio/internal/bridge"
	"genstudio/internal/engine"
	"genstudio/internal/models"
)

const (
	DefaultPollDelay    = 3 * time.Second
	DefaultPollInterval = 3 * time.Second
	DefaultTickInterval = time.Second
	DefaultImageStall   = 5 * time.Minute
	DefaultMediaStall   = 15 * time.Minute

	persistTimeout = 10 * time.Second
)

// ErrJobActive is returned when a job is already queued, processing or being
// enhanced.
var ErrJobActive = errors.New("a job is already active")

// ErrNeedsReset is returned by EnhancePrompt once a job has finished. Terminal
// states only leave through Reset.
var ErrNeedsReset = errors.New("job finished, reset before enhancing")

// ErrAbandoned wraps the reason a run was given up.
var ErrAbandoned = errors.New("job abandoned")

// PollPolicy bounds the polling fallback. A run that exceeds either limit ends
// in the abandoned status.
type PollPolicy struct {
	MaxConsecutiveFailures int
	MaxWait                time.Duration
}

// DefaultPollPolicy tolerates two minutes of unreachable engine at the default
// interval and two hours of total wait.
var DefaultPollPolicy = PollPolicy{MaxConsecutiveFailures: 40, MaxWait: 2 * time.Hour}

// Stream is a subscription to the events of one prompt. Events is closed when
// the stream ends.
type Stream interface {
	Events() <-chan engine.Event
	Close() error
}

// Backend is everything the controller needs from the outside world.
type Backend interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResponse, error)
	Result(ctx context.Context, promptID string) (models.JobResult, error)
	Subscribe(ctx context.Context, promptID, clientID string) (Stream, error)
	UpdateRecord(ctx context.Context, id string, patch models.RecordPatch) error
	Interrupt(ctx context.Context) error
	Enhance(ctx context.Context, mode models.Mode, prompt string) (string, error)
}

// Options configures a Controller. Zero durations take the defaults.
type Options struct {
	Mode         models.Mode
	Backend      Backend
	PollDelay    time.Duration
	PollInterval time.Duration
	TickInterval time.Duration
	ImageStall   time.Duration
	MediaStall   time.Duration
	PollPolicy   PollPolicy
	Now          func() time.Time
	Logger       zerolog.Logger
	// OnChange receives a snapshot after every state change. Calls never
	// overlap and never go back in time, but may come from several
	// goroutines. It must not call back into the controller. A terminal
	// snapshot is delivered after the record has been updated.
	OnChange func(Snapshot)
}

// Snapshot is a copy of the controller state.
type Snapshot struct {
	Status         models.Status       `json:"status"`
	PromptID       string              `json:"promptId,omitempty"`
	JobRecordID    string              `json:"jobRecordId,omitempty"`
	EnhancedPrompt string              `json:"enhancedPrompt,omitempty"`
	Outputs        []models.OutputFile `json:"outputs"`
	Error          string              `json:"error,omitempty"`
	Progress       int                 `json:"progress"`
	ProgressValue  int                 `json:"progressValue"`
	ProgressMax    int                 `json:"progressMax"`
	CurrentNode    string              `json:"currentNode,omitempty"`
	QueueRemaining int                 `json:"queueRemaining"`
	StartedAt      time.Time           `json:"startedAt"`
	Elapsed        time.Duration       `json:"elapsed"`
	Stalled        bool                `json:"stalled"`
}

// GenerateRequest describes one submission.
type GenerateRequest struct {
	WorkflowID         string
	Prompt             string
	NegativePrompt     string
	Params             models.JobParams
	InputImageFilename string
}

// run is one submission. done is the completion guard: the first terminal
// signal swaps it and every later signal for the run is ignored.
type run struct {
	clientID string
	promptID string
	recordID string
	started  time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	done     atomic.Bool
}

// Controller is the job state machine. It is safe for concurrent use.
type Controller struct {
	opts    Options
	backend Backend
	now     func() time.Time
	logger  zerolog.Logger

	mu           sync.Mutex
	state        Snapshot
	run          *run
	lastActivity time.Time
	epoch        uint64
	seq          uint64

	// notifyMu orders OnChange deliveries; snapshots older than delivered are
	// dropped.
	notifyMu  sync.Mutex
	delivered uint64
}

// New builds an idle controller.
func New(opts Options) *Controller {
	if opts.PollDelay <= 0 {
		opts.PollDelay = DefaultPollDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ImageStall <= 0 {
		opts.ImageStall = DefaultImageStall
	}
	if opts.MediaStall <= 0 {
		opts.MediaStall = DefaultMediaStall
	}
	if opts.PollPolicy.MaxConsecutiveFailures <= 0 {
		opts.PollPolicy.MaxConsecutiveFailures = DefaultPollPolicy.MaxConsecutiveFailures
	}
	if opts.PollPolicy.MaxWait <= 0 {
		opts.PollPolicy.MaxWait = DefaultPollPolicy.MaxWait
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		opts:    opts,
		backend: opts.Backend,
		now:     now,
		logger:  opts.Logger.With().Str("component", "lifecycle").Str("mode", string(opts.Mode)).Logger(),
		state:   Snapshot{Status: models.StatusIdle, Outputs: []models.OutputFile{}},
	}
}

// StallThreshold is the silence after which an active job is flagged stalled.
func (c *Controller) StallThreshold() time.Duration {
	if c.opts.Mode.IsImageClass() {
		return c.opts.ImageStall
	}
	return c.opts.MediaStall
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// changedLocked stamps the current state for delivery through notify.
func (c *Controller) changedLocked() (Snapshot, uint64) {
	c.seq++
	return c.snapshotLocked(), c.seq
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.state
	s.Outputs = append([]models.OutputFile{}, c.state.Outputs...)
	return s
}

// Generate submits a job and starts tracking it. It returns once the engine
// has accepted or refused the job; tracking continues in the background.
func (c *Controller) Generate(ctx context.Context, req GenerateRequest) error {
	c.mu.Lock()
	if c.state.Status.IsActive() {
		c.mu.Unlock()
		return ErrJobActive
	}
	c.stopRunLocked()

	runCtx, cancel := context.WithCancel(context.Background())
	now := c.now()
	r := &run{clientID: "genctl-" + uuid.NewString(), started: now, ctx: runCtx, cancel: cancel}
	c.run = r
	c.epoch++
	c.lastActivity = time.Time{}
	c.state = Snapshot{
		Status:         models.StatusQueued,
		EnhancedPrompt: c.state.EnhancedPrompt,
		Outputs:        []models.OutputFile{},
		StartedAt:      now,
	}
	submit := models.SubmitRequest{
		WorkflowID:         req.WorkflowID,
		Mode:               c.opts.Mode,
		Prompt:             req.Prompt,
		NegativePrompt:     req.NegativePrompt,
		EnhancedPrompt:     c.state.EnhancedPrompt,
		Params:             req.Params,
		InputImageFilename: req.InputImageFilename,
		ClientID:           r.clientID,
	}
	snap, seq := c.changedLocked()
	c.mu.Unlock()
	c.notify(snap, seq)

	go c.tick(r)

	subCtx, stop := context.WithCancel(runCtx)
	defer stop()
	defer context.AfterFunc(ctx, stop)()

	resp, err := c.backend.Submit(subCtx, submit)
	if err != nil {
		c.fail(r, err, false)
		return err
	}

	c.mu.Lock()
	if c.run != r || r.done.Load() {
		c.mu.Unlock()
		return nil
	}
	r.promptID = resp.PromptID
	r.recordID = resp.JobRecordID
	c.state.PromptID = resp.PromptID
	c.state.JobRecordID = resp.JobRecordID
	snap, seq = c.changedLocked()
	c.mu.Unlock()
	c.notify(snap, seq)

	c.logger.Info().Str("prompt_id", resp.PromptID).Str("job_id", resp.JobRecordID).Msg("job queued")
	go c.watchStream(r)
	go c.poll(r)
	return nil
}

// EnhancePrompt rewrites prompt through the text-generation backend and keeps
// the result for the next submission.
func (c *Controller) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	if c.state.Status.IsActive() {
		c.mu.Unlock()
		return "", ErrJobActive
	}
	if c.state.Status.IsTerminal() {
		c.mu.Unlock()
		return "", ErrNeedsReset
	}
	c.epoch++
	epoch := c.epoch
	c.state.Status = models.StatusEnhancing
	c.state.StartedAt = c.now()
	c.state.Elapsed = 0
	snap, seq := c.changedLocked()
	c.mu.Unlock()
	c.notify(snap, seq)

	text, err := c.backend.Enhance(ctx, c.opts.Mode, prompt)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return text, err
	}
	if err == nil && text != "" {
		c.state.EnhancedPrompt = text
	}
	c.state.Status = models.StatusIdle
	c.state.StartedAt = time.Time{}
	c.state.Elapsed = 0
	snap, seq = c.changedLocked()
	c.mu.Unlock()
	c.notify(snap, seq)
	return text, err
}

// Cancel stops tracking the current job and returns to idle. The engine is
// asked to interrupt; a failure to do so is ignored.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	c.epoch++
	c.stopRunLocked()
	c.state.Status = models.StatusIdle
	c.state.PromptID = ""
	c.state.Error = ""
	c.state.StartedAt = time.Time{}
	c.state.Elapsed = 0
	c.state.Stalled = false
	c.state.Progress = 0
	c.state.ProgressValue = 0
	c.state.ProgressMax = 0
	c.state.CurrentNode = ""
	snap, seq := c.changedLocked()
	c.mu.Unlock()

	if err := c.backend.Interrupt(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("interrupt failed")
	}
	c.logger.Info().Msg("job cancelled")
	c.notify(snap, seq)
}

// Reset clears everything and returns to idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.epoch++
	c.stopRunLocked()
	c.lastActivity = time.Time{}
	c.state = Snapshot{Status: models.StatusIdle, Outputs: []models.OutputFile{}}
	snap, seq := c.changedLocked()
	c.mu.Unlock()
	c.notify(snap, seq)
}

// stopRunLocked trips the guard of the current run and tears down its channels.
func (c *Controller) stopRunLocked() {
	if c.run == nil {
		return
	}
	c.run.done.Store(true)
	c.run.cancel()
	c.run = nil
}

// update applies fn to the state of r while r is current and unfinished.
func (c *Controller) update(r *run, fn func(s *Snapshot)) {
	c.mu.Lock()
	if c.run != r || r.done.Load() {
		c.mu.Unlock()
		return
	}
	fn(&c.state)
	snap, seq := c.changedLocked()
	c.mu.Unlock()
	c.notify(snap, seq)
}

func (c *Controller) touch(r *run) {
	c.mu.Lock()
	if c.run == r {
		c.lastActivity = c.now()
	}
	c.mu.Unlock()
}

// finish moves r to a terminal status. Only the first caller per run wins.
// The caller persists the outcome and then delivers the returned snapshot.
func (c *Controller) finish(r *run, fn func(s *Snapshot)) (Snapshot, uint64, bool) {
	c.mu.Lock()
	if c.run != r || !r.done.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return Snapshot{}, 0, false
	}
	fn(&c.state)
	if !c.state.StartedAt.IsZero() {
		c.state.Elapsed = c.now().Sub(c.state.StartedAt)
	}
	c.state.Stalled = false
	snap, seq := c.changedLocked()
	c.mu.Unlock()

	r.cancel()
	return snap, seq, true
}

func (c *Controller) complete(r *run, outputs []models.OutputFile) {
	if outputs == nil {
		outputs = []models.OutputFile{}
	}
	snap, seq, ok := c.finish(r, func(s *Snapshot) {
		s.Status = models.StatusCompleted
		s.Outputs = outputs
		s.Progress = 100
	})
	if !ok {
		return
	}
	c.logger.Info().Str("prompt_id", r.promptID).Int("outputs", len(outputs)).Msg("job completed")
	status := models.StatusCompleted
	completedAt := c.now()
	c.persist(r, models.RecordPatch{Status: &status, OutputFiles: &outputs, CompletedAt: &completedAt})
	c.notify(snap, seq)
}

// fail ends r in the error status. persist is false when no record exists yet.
func (c *Controller) fail(r *run, err error, persist bool) {
	c.end(r, models.StatusError, err.Error(), persist)
}

func (c *Controller) abandon(r *run, reason string) {
	c.end(r, models.StatusAbandoned, fmt.Sprintf("%s: %s", ErrAbandoned, reason), true)
}

func (c *Controller) end(r *run, status models.Status, msg string, persist bool) {
	snap, seq, ok := c.finish(r, func(s *Snapshot) {
		s.Status = status
		s.Error = msg
	})
	if !ok {
		return
	}
	c.logger.Warn().Str("prompt_id", r.promptID).Str("status", string(status)).Msg(msg)
	if persist {
		completedAt := c.now()
		c.persist(r, models.RecordPatch{Status: &status, Error: &msg, CompletedAt: &completedAt})
	}
	c.notify(snap, seq)
}

func (c *Controller) persist(r *run, patch models.RecordPatch) {
	if r.recordID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.backend.UpdateRecord(ctx, r.recordID, patch); err != nil {
		c.logger.Error().Err(err).Str("job_id", r.recordID).Msg("persist terminal status failed")
	}
}

func (c *Controller) notify(s Snapshot, seq uint64) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.delivered = seq
	if c.opts.OnChange != nil {
		c.opts.OnChange(s)
	}
}

// watchStream follows the engine events of r until the prompt finishes or the
// stream drops. A dropped stream is left to the poller.
func (c *Controller) watchStream(r *run) {
	stream, err := c.backend.Subscribe(r.ctx, r.promptID, r.clientID)
	if err != nil {
		if r.ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("prompt_id", r.promptID).Msg("event stream unavailable, relying on polling")
		}
		return
	}
	finished := false
	func() {
		defer stream.Close()
		for !finished {
			select {
			case <-r.ctx.Done():
				return
			case ev, ok := <-stream.Events():
				if !ok {
					return
				}
				var stop bool
				stop, finished = c.handleEvent(r, ev)
				if stop {
					return
				}
			}
		}
	}()
	if finished {
		c.fetchOnce(r)
	}
}

// handleEvent applies one stream event. stop ends the stream; finished asks
// for an immediate result fetch.
func (c *Controller) handleEvent(r *run, ev engine.Event) (stop, finished bool) {
	if r.done.Load() {
		return true, false
	}
	switch ev.Type {
	case bridge.EventConnected:
		c.touch(r)
		return false, false
	case engine.EventStatus:
		c.touch(r)
		remaining := queueRemaining(ev)
		c.update(r, func(s *Snapshot) { s.QueueRemaining = remaining })
		return false, false
	case bridge.EventDisconnected, bridge.EventError:
		return true, false
	}

	if ev.PromptID() != r.promptID {
		return false, false
	}
	c.touch(r)

	switch ev.Type {
	case engine.EventExecutionStart:
		c.update(r, func(s *Snapshot) {
			s.Status = models.StatusProcessing
			s.Progress = 0
			s.CurrentNode = ""
		})
	case engine.EventExecuting:
		node, done := ev.Node()
		if done {
			return true, true
		}
		c.update(r, func(s *Snapshot) {
			s.Status = models.StatusProcessing
			s.CurrentNode = node
		})
	case engine.EventProgress:
		value, max := ev.Progress()
		if max > 0 {
			c.update(r, func(s *Snapshot) {
				s.Status = models.StatusProcessing
				s.Progress = int(math.Round(value / max * 100))
				s.ProgressValue = int(value)
				s.ProgressMax = int(max)
			})
		}
	case engine.EventExecutionError:
		c.fail(r, ev.ErrorData().AsError(), true)
		return true, false
	case engine.EventExecutionInterrupted:
		c.fail(r, engine.ErrInterrupted, true)
		return true, false
	}
	return false, false
}

func queueRemaining(ev engine.Event) int {
	var payload struct {
		Status struct {
			ExecInfo struct {
				QueueRemaining int `json:"queue_remaining"`
			} `json:"exec_info"`
		} `json:"status"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return 0
	}
	return payload.Status.ExecInfo.QueueRemaining
}

// fetchOnce looks the result up right after the stream reported the end of
// execution. Failures are left to the poller.
func (c *Controller) fetchOnce(r *run) {
	if r.done.Load() {
		return
	}
	res, err := c.backend.Result(r.ctx, r.promptID)
	if err != nil {
		c.logger.Debug().Err(err).Str("prompt_id", r.promptID).Msg("result fetch after stream end failed")
		return
	}
	c.applyResult(r, res)
}

// applyResult handles a result from either channel.
func (c *Controller) applyResult(r *run, res models.JobResult) {
	switch {
	case res.Failed():
		msg := res.Error
		if msg == "" {
			msg = engine.DefaultErrorMessage
		}
		c.fail(r, errors.New(msg), true)
	case res.IsComplete():
		c.complete(r, res.Outputs)
	case res.Status != "":
		c.update(r, func(s *Snapshot) {
			if s.Status == models.StatusQueued {
				s.Status = models.StatusProcessing
			}
		})
	}
}

// poll is the fallback channel. It starts after PollDelay and repeats every
// PollInterval until r ends, the policy is exceeded or the controller leaves
// the queued and processing states.
func (c *Controller) poll(r *run) {
	delay := time.NewTimer(c.opts.PollDelay)
	defer delay.Stop()
	select {
	case <-r.ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	policy := c.opts.PollPolicy
	failures := 0
	for {
		if r.done.Load() || !c.polling(r) {
			return
		}
		res, err := c.backend.Result(r.ctx, r.promptID)
		switch {
		case r.ctx.Err() != nil:
			return
		case err != nil:
			failures++
			c.logger.Debug().Err(err).Int("failures", failures).Str("prompt_id", r.promptID).Msg("result poll failed")
			if failures >= policy.MaxConsecutiveFailures {
				c.abandon(r, fmt.Sprintf("engine unreachable for %d consecutive polls: %v", failures, err))
				return
			}
		default:
			failures = 0
			c.touch(r)
			c.applyResult(r, res)
		}
		if r.done.Load() {
			return
		}
		if c.now().Sub(r.started) >= policy.MaxWait {
			c.abandon(r, fmt.Sprintf("no result after %s", policy.MaxWait))
			return
		}

		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) polling(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run == r && (c.state.Status == models.StatusQueued || c.state.Status == models.StatusProcessing)
}

// tick refreshes elapsed time and the stall flag while r is active.
func (c *Controller) tick(r *run) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			c.refresh(r)
		}
	}
}

func (c *Controller) refresh(r *run) {
	c.mu.Lock()
	if c.run != r || r.done.Load() || !c.state.Status.IsActive() {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.state.Elapsed = now.Sub(c.state.StartedAt)
	last := c.lastActivity
	if last.Before(c.state.StartedAt) {
		last = c.state.StartedAt
	}
	stalled := now.Sub(last) > c.StallThreshold()
	changed := stalled != c.state.Stalled
	c.state.Stalled = stalled
	snap, seq := c.changedLocked()
	c.mu.Unlock()

	if changed {
		if stalled {
			c.logger.Warn().Str("prompt_id", snap.PromptID).Dur("silent_for", now.Sub(last)).Msg("no activity from the engine")
		}
		c.notify(snap, seq)
	}
}
