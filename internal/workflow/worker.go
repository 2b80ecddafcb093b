package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WorkerConfig holds configuration for the workflow worker
type WorkerConfig struct {
	IntervalSec int // Polling interval in seconds
	BatchSize   int // Maximum instances claimed per cycle
	LeaseSec    int // Claim lease duration in seconds
}

// Worker claims due workflow instances and executes them. Instances
// whose lease expired, because a previous worker died mid-run, are
// claimed again and resume from their step log.
type Worker struct {
	ctx      context.Context
	cancel   context.CancelFunc
	engine   *Engine
	logger   *logrus.Entry
	id       string
	interval time.Duration
	batch    int
	lease    time.Duration
	done     chan struct{}
}

// NewWorker creates a workflow worker. The worker id embeds the
// hostname so claims are attributable across processes.
func NewWorker(engine *Engine, cfg WorkerConfig, logger *logrus.Entry) *Worker {
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LeaseSec <= 0 {
		cfg.LeaseSec = 300
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		ctx:      ctx,
		cancel:   cancel,
		engine:   engine,
		logger:   logger.WithField("component", "workflow-worker"),
		id:       fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		interval: time.Duration(cfg.IntervalSec) * time.Second,
		batch:    cfg.BatchSize,
		lease:    time.Duration(cfg.LeaseSec) * time.Second,
		done:     make(chan struct{}),
	}
}

// Start begins claiming and executing due instances
func (w *Worker) Start() {
	w.logger.Infof("Starting workflow worker %s (interval=%s, batch=%d)", w.id, w.interval, w.batch)
	go w.run()
}

// Stop cancels in-flight executions and waits for the loop to exit.
// Interrupted instances keep their lease and are picked up again once
// it expires.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Drain immediately on start
	w.drain()

	for {
		select {
		case <-ticker.C:
			w.drain()
		case <-w.ctx.Done():
			w.logger.Info("Workflow worker stopped")
			return
		}
	}
}

// drain claims and executes due instances until the queue is empty.
// A batch runs concurrently; an instance starts its heartbeat right
// away instead of waiting behind its batch mates with a ticking lease.
func (w *Worker) drain() {
	for {
		if w.ctx.Err() != nil {
			return
		}
		claimed, err := w.engine.store.ClaimDue(w.id, w.batch, w.lease)
		if err != nil {
			w.logger.Errorf("Failed to claim due instances: %v", err)
			return
		}
		if len(claimed) == 0 {
			return
		}
		w.logger.Debugf("Claimed %d due instances", len(claimed))
		var wg sync.WaitGroup
		for i := range claimed {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				// Outcomes are recorded on the instance by the engine.
				_ = w.engine.Execute(w.ctx, id)
			}(claimed[i].ID)
		}
		wg.Wait()
		if len(claimed) < w.batch {
			return
		}
	}
}
