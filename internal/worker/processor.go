// Package worker caches the output files of completed jobs in the background.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/models"
	"genstudio/internal/telemetry"
)

// Task asks for one output file of a job record to be cached.
type Task struct {
	JobID     string
	EngineURL string
	File      models.OutputFile
	Attempt   int
}

// Handler processes a task for a given media type.
type Handler func(ctx context.Context, task Task) error

// Options tunes a Processor.
type Options struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Logger         zerolog.Logger
}

// Processor runs cache tasks on a fixed pool of goroutines. Failed tasks are
// retried with jittered exponential backoff and dropped after MaxAttempts.
type Processor struct {
	opts           Options
	tasks          chan Task
	handlers       map[models.MediaType]Handler
	defaultHandler Handler
	logger         zerolog.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	pending sync.WaitGroup
}

// NewProcessor builds a processor. Handlers are registered before Run.
func NewProcessor(opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Processor{
		opts:     opts,
		tasks:    make(chan Task, opts.QueueSize),
		handlers: make(map[models.MediaType]Handler),
		logger:   opts.Logger.With().Str("component", "cache_worker").Logger(),
	}
}

// RegisterHandler binds a handler to a media type.
func (p *Processor) RegisterHandler(mediaType models.MediaType, handler Handler) {
	if mediaType == "" || handler == nil {
		return
	}
	p.handlers[mediaType] = handler
}

// SetDefaultHandler handles media types without a dedicated handler.
func (p *Processor) SetDefaultHandler(handler Handler) {
	p.defaultHandler = handler
}

// Enqueue schedules a task. It returns false when the queue is full.
func (p *Processor) Enqueue(task Task) bool {
	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return true
	default:
		p.pending.Done()
		p.logger.Warn().Str("job_id", task.JobID).Str("file", task.File.Filename).Msg("cache queue full, dropping task")
		return false
	}
}

// EnqueueOutputs schedules one task per output file of a job.
func (p *Processor) EnqueueOutputs(jobID, engineURL string, files []models.OutputFile) int {
	n := 0
	for _, f := range files {
		if p.Enqueue(Task{JobID: jobID, EngineURL: engineURL, File: f}) {
			n++
		}
	}
	return n
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	<-ctx.Done()
	p.wg.Wait()
	return ctx.Err()
}

// Wait blocks until every enqueued task, including scheduled retries, has
// finished or been dropped.
func (p *Processor) Wait() {
	p.pending.Wait()
}

func (p *Processor) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			p.process(ctx, task, id)
		}
	}
}

func (p *Processor) process(ctx context.Context, task Task, workerID int) {
	defer p.pending.Done()

	log := p.logger.With().
		Str("job_id", task.JobID).
		Str("file", task.File.Filename).
		Int("worker", workerID).
		Int("attempt", task.Attempt+1).
		Logger()

	err := p.runTask(log.WithContext(ctx), task)
	if err == nil {
		telemetry.OutputsCached.Inc()
		log.Debug().Msg("output cached")
		return
	}

	attempts := task.Attempt + 1
	if attempts >= p.opts.MaxAttempts || ctx.Err() != nil {
		telemetry.CacheTaskDropped.Inc()
		log.Error().Err(err).Msg("giving up on output")
		return
	}

	backoff := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, attempts)
	telemetry.CacheTaskFailures.Inc()
	log.Warn().Err(err).Dur("retry_in", backoff).Msg("caching output failed")

	task.Attempt = attempts
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			telemetry.CacheTaskDropped.Inc()
		case <-timer.C:
			p.Enqueue(task)
		}
	}()
}

// runTask executes the task with the handler of its media type.
func (p *Processor) runTask(ctx context.Context, task Task) error {
	handler, ok := p.handlers[task.File.MediaType]
	if !ok {
		if p.defaultHandler == nil {
			return fmt.Errorf("no handler registered for media type %q", task.File.MediaType)
		}
		handler = p.defaultHandler
	}
	return handler(ctx, task)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
