package csc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller runs fn on a fixed interval until stopped. The CSC uses one for
// intensity telemetry and one for the detailed-state broadcast.
type Poller struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewPoller(name string, interval time.Duration, fn func(ctx context.Context), logger *zap.Logger) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Debug("Poller started",
		zap.String("poller", p.name),
		zap.Duration("interval", p.interval))
}

// Stop waits for an in-flight tick to return. A stopped poller cannot be
// restarted.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.logger.Debug("Poller stopped", zap.String("poller", p.name))
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.fn(ctx)
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
