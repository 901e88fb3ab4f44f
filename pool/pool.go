package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of pinned work. Run is invoked repeatedly on the worker the
// job was assigned to and reports whether it made progress; idle jobs let the
// worker back off. Close runs on the same worker after the pool stops.
type Job interface {
	Run(workerID int) bool
	Close() error
}

// Pool runs a fixed set of workers, each driving the jobs assigned to it.
type Pool struct {
	name    string
	workers int
	jobs    [][]Job
	closing chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	log     *zap.Logger
}

func New(name string, workers int, log *zap.Logger) *Pool {
	return &Pool{
		name:    name,
		workers: workers,
		jobs:    make([][]Job, workers),
		closing: make(chan struct{}),
		log:     log,
	}
}

func (p *Pool) Workers() int { return p.workers }

// Assign pins a job to a worker. Must be called before Start.
func (p *Pool) Assign(worker int, j Job) {
	p.jobs[worker] = append(p.jobs[worker], j)
}

func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for w := 0; w < p.workers; w++ {
		p.wg.Add(1)
		go p.runWorker(w)
	}
	p.log.Info("worker pool started", zap.String("pool", p.name), zap.Int("workers", p.workers))
}

func (p *Pool) runWorker(workerID int) {
	defer p.wg.Done()
	idle := 0
	for {
		select {
		case <-p.closing:
			for _, j := range p.jobs[workerID] {
				if err := j.Close(); err != nil {
					p.log.Error("job close failed",
						zap.String("pool", p.name),
						zap.Int("worker", workerID),
						zap.Error(err))
				}
			}
			return
		default:
		}
		busy := false
		for _, j := range p.jobs[workerID] {
			if j.Run(workerID) {
				busy = true
			}
		}
		if busy {
			idle = 0
			continue
		}
		idle++
		if idle < 100 {
			// stay hot for a short while before sleeping
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.closing)
	p.wg.Wait()
	p.log.Info("worker pool stopped", zap.String("pool", p.name))
}
