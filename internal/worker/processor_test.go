package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b9 := backoffWithJitter(base, max, 9)
	if b9 < max/2 || b9 > max {
		t.Fatalf("backoff should be capped: %s", b9)
	}
}

func newTestProcessor(maxAttempts int) *Processor {
	return NewProcessor(Options{
		Workers:        2,
		MaxAttempts:    maxAttempts,
		BackoffInitial: time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
}

func TestProcessorDispatchesByMediaType(t *testing.T) {
	p := newTestProcessor(1)
	var mu sync.Mutex
	seen := map[models.MediaType][]string{}
	record := func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen[task.File.MediaType] = append(seen[task.File.MediaType], task.File.Filename)
		return nil
	}
	p.RegisterHandler(models.MediaImage, record)
	p.RegisterHandler(models.MediaVideo, record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	n := p.EnqueueOutputs("job-1", "http://engine", []models.OutputFile{
		{Filename: "a.png", MediaType: models.MediaImage},
		{Filename: "b.mp4", MediaType: models.MediaVideo},
	})
	if n != 2 {
		t.Fatalf("enqueued %d, want 2", n)
	}
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen[models.MediaImage]) != 1 || len(seen[models.MediaVideo]) != 1 {
		t.Fatalf("dispatch = %v", seen)
	}
}

func TestProcessorRetriesUntilSuccess(t *testing.T) {
	p := newTestProcessor(4)
	var calls atomic.Int32
	p.SetDefaultHandler(func(ctx context.Context, task Task) error {
		if calls.Add(1) < 3 {
			return errors.New("engine busy")
		}
		if task.Attempt != 2 {
			t.Errorf("attempt = %d, want 2", task.Attempt)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(Task{JobID: "job-2", File: models.OutputFile{Filename: "x.bin"}})
	p.Wait()
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestProcessorGivesUpAfterMaxAttempts(t *testing.T) {
	p := newTestProcessor(2)
	var calls atomic.Int32
	p.SetDefaultHandler(func(ctx context.Context, task Task) error {
		calls.Add(1)
		return errors.New("always failing")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(Task{JobID: "job-3", File: models.OutputFile{Filename: "y.png"}})
	p.Wait()
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestProcessorRejectsSecondRun(t *testing.T) {
	p := newTestProcessor(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	if err := p.Run(ctx); err == nil {
		t.Fatalf("expected error on second run")
	}
	cancel()
	<-done
}
