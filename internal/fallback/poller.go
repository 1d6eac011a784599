package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cargoline/opsdash/internal/logger"
)

// TickFunc performs one poll. The context is canceled when the poller stops.
type TickFunc func(ctx context.Context) error

// Poller runs TickFunc on a fixed interval while the push channel is down.
//
// The first tick fires after a grace period so that a quick reconnect never
// causes a poll. Start is debounced and Stop waits for the worker to exit.
type Poller struct {
	grace    time.Duration
	interval time.Duration
	tick     TickFunc
	logger   *logger.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	shutdown chan struct{}
	done     chan struct{}
}

// NewPoller creates an idle poller.
func NewPoller(grace, interval time.Duration, tick TickFunc, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Discard()
	}
	return &Poller{
		grace:    grace,
		interval: interval,
		tick:     tick,
		logger:   log.WithComponent("fallback-poller"),
	}
}

// Start schedules polling unless it is already pending or active.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.shutdown = make(chan struct{})
	p.done = make(chan struct{})

	go p.run(ctx, p.shutdown, p.done)

	p.logger.Info("fallback polling scheduled",
		slog.Duration("grace", p.grace),
		slog.Duration("interval", p.interval))
}

// Stop cancels any pending or in-flight poll and waits for the worker. It is
// safe to call on an idle poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, shutdown, done := p.cancel, p.shutdown, p.done
	p.cancel, p.shutdown, p.done = nil, nil, nil
	p.mu.Unlock()

	close(shutdown)
	cancel()
	<-done

	p.logger.Info("fallback polling stopped")
}

// Running reports whether polling is pending or active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-shutdown:
			return
		}

		start := time.Now()
		if err := p.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("fallback poll failed",
				slog.String("error", err.Error()),
				slog.Duration("duration", time.Since(start)))
		} else {
			p.logger.Debug("fallback poll completed", slog.Duration("duration", time.Since(start)))
		}

		timer.Reset(p.interval)
	}
}
