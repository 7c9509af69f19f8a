package account

import (
	"log/slog"
	"sync"
)

// lane runs submitted jobs one at a time in FIFO order on its own goroutine.
// The queue is unbounded so a job may submit to its own lane.
type lane struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	jobs   []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newLane(name string, logger *slog.Logger) *lane {
	l := &lane{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// submit queues job, returning false once the lane is closed
func (l *lane) submit(job func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *lane) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.jobs) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		l.mu.Unlock()

		l.exec(job)
	}
}

func (l *lane) exec(job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("job panicked", "lane", l.name, "panic", r)
		}
	}()
	job()
}

// close stops accepting jobs and waits for queued ones to finish
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}
