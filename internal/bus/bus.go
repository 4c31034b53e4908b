package bus

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"plotkeeper/internal/logging"
)

// Delivery selects where a handler runs.
type Delivery int

const (
	// Publisher runs the handler inline on the publishing goroutine.
	Publisher Delivery = iota
	// Background runs the handler on its own goroutine.
	Background
)

// Handler receives notifications.
type Handler func(Notification)

// Option configures a subscription.
type Option func(*Subscription)

// WithDelivery selects publisher or background delivery. The default is
// Publisher.
func WithDelivery(d Delivery) Option {
	return func(s *Subscription) { s.delivery = d }
}

// WithDevice restricts delivery to notifications whose device path equals path.
func WithDevice(path string) Option {
	return func(s *Subscription) { s.device = path }
}

// WithFilter adds an arbitrary predicate evaluated before the handler.
func WithFilter(pred func(Notification) bool) Option {
	return func(s *Subscription) { s.filter = pred }
}

// WithReplay delivers the most recent notification of the kind, if any,
// immediately on subscription.
func WithReplay() Option {
	return func(s *Subscription) { s.replay = true }
}

// Subscription is the handle returned by Subscribe. The owner cancels it when
// the reactive chain it belongs to ends.
type Subscription struct {
	bus      *Bus
	id       uint64
	kind     Kind
	handler  Handler
	delivery Delivery
	device   string
	filter   func(Notification) bool
	replay   bool
	active   atomic.Bool
}

// Cancel stops delivery. It is idempotent and may be called from inside the
// subscription's own handler.
func (s *Subscription) Cancel() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// Active reports whether the subscription still receives notifications.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

func (s *Subscription) accepts(n Notification) bool {
	if s.device != "" && n.Device.Path != s.device {
		return false
	}
	if s.filter != nil && !s.filter(n) {
		return false
	}
	return true
}

// Bus is a typed publish/subscribe registry.
type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[Kind][]*Subscription
	latest map[Kind]Notification
	nextID uint64

	idleMu   sync.Mutex
	idle     *sync.Cond
	inflight int
}

// New constructs an empty bus.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		logger: logging.NewComponentLogger(logger, "bus"),
		now:    time.Now,
		subs:   make(map[Kind][]*Subscription),
		latest: make(map[Kind]Notification),
	}
	b.idle = sync.NewCond(&b.idleMu)
	return b
}

// Subscribe registers handler for kind.
func (b *Bus) Subscribe(kind Kind, handler Handler, opts ...Option) *Subscription {
	s := &Subscription{bus: b, kind: kind, handler: handler}
	for _, opt := range opts {
		opt(s)
	}
	s.active.Store(true)

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[kind] = append(b.subs[kind], s)
	last, seen := b.latest[kind]
	b.mu.Unlock()

	if s.replay && seen && s.accepts(last) {
		b.deliver(s, last)
	}
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.kind]
	for i, candidate := range list {
		if candidate == s {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.subs[s.kind] = next
			return
		}
	}
}

// Publish delivers n to every subscriber of n.Kind. Publisher subscribers run
// first, inline and in registration order; background subscribers are then
// started on their own goroutines. The subscriber list is snapshotted, so
// handlers may publish or cancel subscriptions without deadlocking.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = b.now()
	}

	b.mu.Lock()
	b.latest[n.Kind] = n
	snapshot := b.subs[n.Kind]
	b.mu.Unlock()

	var background []*Subscription
	for _, s := range snapshot {
		if s.delivery == Background {
			background = append(background, s)
			continue
		}
		if s.Active() && s.accepts(n) {
			b.deliver(s, n)
		}
	}
	for _, s := range background {
		if !s.Active() || !s.accepts(n) {
			continue
		}
		b.track(1)
		go func(s *Subscription) {
			defer b.track(-1)
			if s.Active() {
				b.deliver(s, n)
			}
		}(s)
	}
}

func (b *Bus) deliver(s *Subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(b.logger, "bus handler panicked", "bus_handler_panic",
				logging.String("kind", n.Kind.String()),
				logging.String("panic", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "handler bug; other subscribers were still notified"),
			)
		}
	}()
	s.handler(n)
}

// Latest returns the most recently published notification of kind.
func (b *Bus) Latest(kind Kind) (Notification, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.latest[kind]
	return n, ok
}

// Subscribers returns the number of active subscriptions for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func (b *Bus) track(delta int) {
	b.idleMu.Lock()
	b.inflight += delta
	if b.inflight == 0 {
		b.idle.Broadcast()
	}
	b.idleMu.Unlock()
}

// Wait blocks until no background delivery is in flight.
func (b *Bus) Wait() {
	b.idleMu.Lock()
	for b.inflight > 0 {
		b.idle.Wait()
	}
	b.idleMu.Unlock()
}
