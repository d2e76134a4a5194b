// Package poller watches one job until it reaches a terminal state.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/model"
)

const DefaultInterval = 2 * time.Second

type State int

const (
	Idle State = iota
	Polling
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Done:
		return "done"
	}
	return "unknown"
}

var ErrAlreadyStarted = errors.New("poller already started")

// StatusSource performs a single status read. *batch.Client satisfies it.
type StatusSource interface {
	PollStatus(ctx context.Context, id string) (model.StatusReport, error)
}

// StatusFunc adapts a plain status read, such as a backend's Status method.
type StatusFunc func(ctx context.Context, id string) (model.StatusReport, error)

func (f StatusFunc) PollStatus(ctx context.Context, id string) (model.StatusReport, error) {
	return f(ctx, id)
}

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	Log      *zap.Logger
}

// Poller issues one status read per interval and forwards changes to a
// callback. The terminal report is delivered exactly once unless the poller
// is cancelled first. A Poller is single-use.
type Poller struct {
	source StatusSource
	opts   Options

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func New(source StatusSource, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Poller{
		source: source,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the poller stops for any reason.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Start polls id immediately and then every interval until the job is
// terminal, the poller is cancelled, or ctx ends.
func (p *Poller) Start(ctx context.Context, id string, onUpdate func(model.StatusReport)) error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.state = Polling
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(ctx, id, onUpdate)
	return nil
}

// Cancel stops polling without a final notification. It is safe to call from
// any state and more than once. A callback already running is not waited for.
func (p *Poller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Done {
		return
	}
	p.state = Done
	if p.cancel != nil {
		p.cancel()
	} else {
		p.once.Do(func() { close(p.done) })
	}
}

func (p *Poller) loop(ctx context.Context, id string, onUpdate func(model.StatusReport)) {
	defer p.once.Do(func() { close(p.done) })

	timer := time.NewTimer(0)
	defer timer.Stop()

	var last *model.StatusReport
	for {
		select {
		case <-ctx.Done():
			p.finish()
			return
		case <-timer.C:
		}

		report, err := p.source.PollStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				p.finish()
				return
			}
			p.opts.Log.Warn("status check failed", zap.String("job_id", id), zap.Error(err))
			report = model.StatusReport{
				JobID:         id,
				Status:        model.JobFailed,
				Timestamp:     p.opts.Now().UTC(),
				FailureReason: err.Error(),
				Err:           err,
			}
			if last != nil {
				report.Progress = last.Progress
			}
		}

		terminal := report.Status.IsTerminal()
		if last == nil || changed(*last, report) || terminal {
			if !p.deliver(report, terminal, onUpdate) {
				return
			}
		}
		if terminal {
			return
		}
		last = &report
		timer.Reset(p.opts.Interval)
	}
}

// deliver forwards a report unless the poller was cancelled. A terminal
// report moves the poller to Done before the callback runs.
func (p *Poller) deliver(r model.StatusReport, terminal bool, onUpdate func(model.StatusReport)) bool {
	p.mu.Lock()
	if p.state == Done {
		p.mu.Unlock()
		return false
	}
	if terminal {
		p.state = Done
		p.cancel()
	}
	p.mu.Unlock()

	if onUpdate != nil {
		onUpdate(r)
	}
	return true
}

func (p *Poller) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Done
}

func changed(prev, next model.StatusReport) bool {
	return prev.Status != next.Status ||
		prev.Progress != next.Progress ||
		prev.FailureReason != next.FailureReason
}

// Watch runs a poller to completion and returns the terminal report. It
// returns ctx.Err() if ctx ends first.
func Watch(ctx context.Context, source StatusSource, id string, opts Options, onUpdate func(model.StatusReport)) (model.StatusReport, error) {
	p := New(source, opts)
	var final model.StatusReport
	err := p.Start(ctx, id, func(r model.StatusReport) {
		if r.Status.IsTerminal() {
			final = r
		}
		if onUpdate != nil {
			onUpdate(r)
		}
	})
	if err != nil {
		return model.StatusReport{}, err
	}
	<-p.Done()
	if !final.Status.IsTerminal() {
		if ctx.Err() != nil {
			return model.StatusReport{}, ctx.Err()
		}
		return model.StatusReport{}, errors.New("poller stopped before a terminal status")
	}
	return final, nil
}
