package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrWorkerStopped is returned for jobs submitted after Stop
	ErrWorkerStopped = errors.New("persistence worker stopped")
	// ErrQueueFull is returned when the job queue has no room
	ErrQueueFull = errors.New("persistence queue full")
)

type job struct {
	run func(ctx context.Context)
}

// Worker runs every load and save on one goroutine, in submission order,
// so the host never blocks on the backend and saves for one identity never reorder.
type Worker struct {
	store     Store
	serverID  string
	opTimeout time.Duration

	jobs chan job

	mu      sync.RWMutex
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewWorker creates a worker for store. Call Start before submitting jobs.
func NewWorker(store Store, serverID string, queueSize int, opTimeout time.Duration) *Worker {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Worker{
		store:     store,
		serverID:  serverID,
		opTimeout: opTimeout,
		jobs:      make(chan job, queueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the consumer goroutine
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.loop()
	})
}

func (w *Worker) loop() {
	defer close(w.done)
	for j := range w.jobs {
		metrics.StorageQueueDepth.Set(float64(len(w.jobs)))
		w.runJob(j)
	}
	metrics.StorageQueueDepth.Set(0)
}

func (w *Worker) runJob(j job) {
	ctx := context.Background()
	if w.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("Persistence job panicked", zap.Any("panic", r))
		}
	}()
	j.run(ctx)
}

func (w *Worker) submit(j job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrWorkerStopped
	}
	select {
	case w.jobs <- j:
		metrics.StorageQueueDepth.Set(float64(len(w.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// LoadAsync loads (creating if missing) the record for id and calls fn on the worker goroutine
func (w *Worker) LoadAsync(id identity.ID, fn func(*Record, error)) error {
	return w.submit(job{run: func(ctx context.Context) {
		rec, err := LoadOrCreate(ctx, w.store, w.serverID, id)
		if err != nil {
			logger.L.Error("Failed to load auth record", logger.Identity(uint64(id)), zap.Error(err))
		}
		fn(rec, err)
	}})
}

// Save persists rec on the worker goroutine and waits for the result
func (w *Worker) Save(ctx context.Context, rec *Record) error {
	result := make(chan error, 1)
	snapshot := rec.Clone()
	if err := w.submit(job{run: func(jobCtx context.Context) {
		result <- w.store.Save(jobCtx, snapshot)
	}}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, drains queued ones and waits until ctx is done
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		close(w.jobs)
		w.mu.Unlock()
	})
	w.startOnce.Do(func() {
		go w.loop()
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
