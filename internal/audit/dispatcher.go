package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit non-blocking; events that do not fit are counted
	// and discarded.
	DropIfFull bool
	// Logger receives drop warnings and sink panics. Nil discards them.
	Logger logrus.FieldLogger
}

// Dispatcher forwards audit events to a sink from a single goroutine, so a
// slow sink never stalls a login or a guard decision.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	log       logrus.FieldLogger
	events    chan Event
	stop      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the delivery goroutine. It returns nil when cfg is
// disabled; a nil *Dispatcher accepts and ignores every call.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	log := cfg.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		log = discard
	}

	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		log:    log,
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.events:
			d.deliver(ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain delivers whatever is still buffered after Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.events:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{"event_type": ev.EventType, "panic": r}).Error("audit sink panicked")
		}
	}()
	d.sink.Emit(context.Background(), ev)
}

// Emit queues event. With DropIfFull it never blocks; otherwise it waits for
// buffer space until ctx is done or the dispatcher closes.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.events <- event:
		case <-d.stop:
		default:
			d.recordDrop(event)
		}
		return
	}

	select {
	case d.events <- event:
	case <-ctx.Done():
		d.recordDrop(event)
	case <-d.stop:
	}
}

// recordDrop counts a lost event and warns on the 1st, 2nd, 4th, 8th... drop.
func (d *Dispatcher) recordDrop(event Event) {
	n := d.dropped.Add(1)
	if n&(n-1) == 0 {
		d.log.WithFields(logrus.Fields{"event_type": event.EventType, "dropped_total": n}).Warn("audit buffer full, event dropped")
	}
}

// Close stops accepting events, flushes the buffer and waits for delivery.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
