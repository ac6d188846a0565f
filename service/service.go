package service

import (
	"context"
	"errors"
	"sync"

	"github.com/user/bluecore/adapter"
	"github.com/user/bluecore/bond"
	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/connpolicy"
	"github.com/user/bluecore/gateway"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/pairing"
	"github.com/user/bluecore/profile"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/settings"
	"github.com/user/bluecore/sink"
)

// ErrNotStarted is returned by Start when called twice or after Close.
var ErrNotStarted = errors.New("service: not startable")

// Options configure a Service. Settings, Sink and Clock default to an
// in-memory store, a discarding sink and the wall clock.
type Options struct {
	Config   config.Config
	Driver   radio.Driver
	Settings settings.Store
	Sink     sink.Sink
	Clock    sched.Clock
}

// Service is the serialized control plane. Every state change runs on a
// single goroutine fed by an unbounded FIFO mailbox; radio events, timer
// expiries and application calls all go through it.
type Service struct {
	cfg      config.Config
	driver   radio.Driver
	settings settings.Store
	sink     sink.Sink

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	busy    bool
	started bool
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup

	bonds    *bond.Store
	props    *props.Cache
	counters *connpolicy.Counters
	timers   *sched.Timers
	pairing  *pairing.Coordinator
	profiles *profile.Arbitrator
	adapter  *adapter.Machine
	gateway  *gateway.Gateway
}

// New wires the control plane. Nothing runs until Start.
func New(opts Options) *Service {
	if opts.Settings == nil {
		opts.Settings = settings.NewMemory()
	}
	if opts.Sink == nil {
		opts.Sink = sink.Discard
	}
	if opts.Clock == nil {
		opts.Clock = sched.Real()
	}

	s := &Service{
		cfg:      opts.Config,
		driver:   opts.Driver,
		settings: opts.Settings,
		sink:     opts.Sink,
		quit:     make(chan struct{}),
		bonds:    bond.NewStore(),
		counters: connpolicy.NewCounters(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.timers = sched.NewTimers(opts.Clock, s.post)
	s.props = props.NewCache(s.fetch)

	s.profiles = profile.NewArbitrator(profile.Deps{
		Config:   s.cfg,
		Bonds:    s.bonds,
		Props:    s.props,
		Settings: s.settings,
		Radio:    s.driver,
		Timers:   s.timers,
		Sink:     s.sink,
		Counters: s.counters,
		Ready:    func() bool { return s.adapter.AcceptsProfileOps() },
		OnIdle:   func() { s.adapter.OnIdle() },
	})
	s.pairing = pairing.NewCoordinator(pairing.Deps{
		Config:      s.cfg,
		Bonds:       s.bonds,
		Props:       s.props,
		Radio:       s.driver,
		Timers:      s.timers,
		Sink:        s.sink,
		OnBondState: s.profiles.OnBondState,
	})
	s.adapter = adapter.NewMachine(adapter.Deps{
		Config:   s.cfg,
		Props:    s.props,
		Settings: s.settings,
		Radio:    s.driver,
		Timers:   s.timers,
		Sink:     s.sink,
		Profiles: s.profiles,
		OnOff:    s.pairing.Reset,
	})
	s.gateway = gateway.New(gateway.Deps{
		Props:    s.props,
		Pairing:  s.pairing,
		Profiles: s.profiles,
		Adapter:  s.adapter,
		Sink:     s.sink,
		Now:      s.timers.Now,
	})
	return s
}

// fetch asks the radio for a property snapshot. It may run on any goroutine.
func (s *Service) fetch(addr bt.Address) {
	if err := s.driver.Submit(radio.NewCommand(radio.CmdFetchProperties, addr)); err != nil {
		logger.Warn("service", "fetch properties of %q: %v", addr, err)
		s.props.RefreshFailed(addr)
	}
}

// Start runs the mailbox, connects the driver and restores the saved
// power state. Cancelling ctx closes the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	if err := s.driver.Start(ctx, s.deliver); err != nil {
		s.Close()
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.quit:
		}
	}()

	if s.settings.BluetoothOn() {
		s.post(func() {
			logger.Info("service", "restoring bluetooth on")
			s.adapter.Enable(false)
		})
	}
	logger.Info("service", "started")
	return nil
}

// deliver is the driver's event callback.
func (s *Service) deliver(ev radio.Event) {
	s.post(func() { s.gateway.Dispatch(ev) })
}

// post appends fn to the mailbox. It never blocks; work posted after Close
// is dropped.
func (s *Service) post(fn func()) {
	s.enqueue(fn)
}

func (s *Service) enqueue(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started {
		return false
	}
	s.queue = append(s.queue, fn)
	s.cond.Broadcast()
	return true
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.queue = nil
			s.busy = false
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		fn()

		s.mu.Lock()
		s.busy = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// call runs fn on the mailbox and waits for its result. Before Start and
// after Close it returns the zero value.
func call[T any](s *Service, fn func() T) T {
	var zero T
	done := make(chan T, 1)
	if !s.enqueue(func() { done <- fn() }) {
		return zero
	}
	select {
	case v := <-done:
		return v
	case <-s.quit:
		return zero
	}
}

// Sync waits until everything posted before it has run.
func (s *Service) Sync() {
	call(s, func() struct{} { return struct{}{} })
}

// Drain waits until the mailbox is empty and idle, including work posted
// while draining.
func (s *Service) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && s.started && (len(s.queue) > 0 || s.busy) {
		s.cond.Wait()
	}
}

// Close stops the mailbox, every timer and the driver.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.timers.CancelAll()
	s.wg.Wait()
	logger.Info("service", "closed")
	return s.driver.Close()
}
