package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrPoolFull = errors.New("worker pool task queue is full")

type Task func()

// WorkerPool runs submitted tasks on a fixed number of goroutines. A panic in
// one task is logged and does not take its worker down.
type WorkerPool struct {
	tasks       chan Task
	wg          sync.WaitGroup
	busyWorkers int
	maxWorkers  int
	submitWait  time.Duration
	logger      zerolog.Logger
	mu          sync.RWMutex
	stopOnce    sync.Once
}

func NewWorkerPool(maxWorkers int, logger zerolog.Logger) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		tasks:      make(chan Task, maxWorkers*10),
		maxWorkers: maxWorkers,
		submitWait: time.Second,
		logger:     logger,
	}
}

func (wp *WorkerPool) Start() {
	wp.logger.Info().Int("max_workers", wp.maxWorkers).Msg("Starting worker pool")

	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop lets queued tasks finish and waits for every worker to exit.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.logger.Info().Msg("Stopping worker pool")
		close(wp.tasks)
		wp.wg.Wait()
		wp.logger.Info().Msg("Worker pool stopped")
	})
}

// Submit queues task, waiting briefly when the queue is full. It returns
// ErrPoolFull if the task could not be queued.
func (wp *WorkerPool) Submit(task Task) error {
	select {
	case wp.tasks <- task:
		return nil
	default:
	}

	wp.logger.Warn().Msg("Worker pool task queue is full")
	timer := time.NewTimer(wp.submitWait)
	defer timer.Stop()

	select {
	case wp.tasks <- task:
		return nil
	case <-timer.C:
		wp.logger.Error().Msg("Failed to submit task to worker pool (timeout)")
		return ErrPoolFull
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.logger.Debug().Int("worker_id", id).Msg("Worker started")

	for task := range wp.tasks {
		wp.run(id, task)
	}

	wp.logger.Debug().Int("worker_id", id).Msg("Worker stopped")
}

func (wp *WorkerPool) run(id int, task Task) {
	wp.mu.Lock()
	wp.busyWorkers++
	wp.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Int("worker_id", id).
				Interface("panic", r).
				Msg("Worker recovered from panic")
		}

		wp.mu.Lock()
		wp.busyWorkers--
		wp.mu.Unlock()
	}()

	task()
}

func (wp *WorkerPool) BusyWorkers() int {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.busyWorkers
}

func (wp *WorkerPool) QueueLength() int {
	return len(wp.tasks)
}
