// background.go: Dedicated polling goroutine for a queue
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BackgroundPoller runs scan passes over a queue on its own goroutine so
// that submitters only have to drain or pop. It never removes events; it
// coordinates with other pollers only through the queue lock and the
// event flags.
type BackgroundPoller struct {
	queue    *Queue
	interval time.Duration
	idle     time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	passes atomic.Uint64
	errors atomic.Uint64
}

// NewBackgroundPoller creates a stopped poller. interval is the pause
// between passes while events are queued; an empty queue backs off up to
// ten times that.
func NewBackgroundPoller(q *Queue, interval time.Duration, logger *zap.Logger) *BackgroundPoller {
	if interval <= 0 {
		interval = 10 * time.Microsecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackgroundPoller{
		queue:    q,
		interval: interval,
		idle:     10 * interval,
		logger:   logger,
	}
}

// Start launches the polling goroutine. Starting a running poller is a
// no-op.
func (p *BackgroundPoller) Start() error {
	if p == nil || p.queue == nil {
		return invalidArgument("poller has no queue")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true
	go p.run(p.quit, p.done)

	p.logger.Debug("background poller started", zap.Duration("interval", p.interval))
	return nil
}

// Stop ends the polling goroutine and waits for it. Stopping a stopped
// poller is a no-op.
func (p *BackgroundPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	done := p.done
	p.mu.Unlock()

	<-done
	p.logger.Debug("background poller stopped", zap.Uint64("passes", p.passes.Load()))
}

// Running reports whether the goroutine is active.
func (p *BackgroundPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Passes returns the number of scan passes run so far.
func (p *BackgroundPoller) Passes() uint64 { return p.passes.Load() }

func (p *BackgroundPoller) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	wait := p.interval
	for {
		select {
		case <-quit:
			return
		case <-timer.C:
		}

		if p.queue.Len() == 0 {
			if wait < p.idle {
				wait *= 2
				if wait > p.idle {
					wait = p.idle
				}
			}
		} else {
			wait = p.interval
			if _, err := p.queue.Poll(nil, nil, PollCheckHW|PollNoDrain); err != nil {
				p.errors.Add(1)
				p.logger.Debug("background poll failed", zap.Error(err))
			}
			p.passes.Add(1)
		}
		timer.Reset(wait)
	}
}
