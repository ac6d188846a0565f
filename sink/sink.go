package sink

import (
	"sync"

	"github.com/user/bluecore/logger"
)

// Sink receives notifications from the serialized core. Notify must not
// block for long and must not call back into the core synchronously.
type Sink interface {
	Notify(n Notification)
}

// Func adapts a function to Sink.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Multi fans a notification out to several sinks in order.
type Multi []Sink

func (m Multi) Notify(n Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}

// Discard drops every notification.
var Discard Sink = Func(func(Notification) {})

// Log writes every notification to the logger at INFO.
type Log struct {
	Prefix string
}

func (l Log) Notify(n Notification) {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "notify"
	}
	logger.Info(prefix, "%s", n)
	if s, err := n.Struct(); err == nil {
		logger.TraceJSON(prefix, string(n.Kind), s)
	}
}

// Recorder keeps every notification for inspection in tests and tools.
type Recorder struct {
	mu     sync.Mutex
	events []Notification
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

// All returns a copy of everything recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded notifications of kind, in order.
func (r *Recorder) OfKind(kind Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.events {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Last returns the most recent notification of kind.
func (r *Recorder) Last(kind Kind) (Notification, bool) {
	all := r.OfKind(kind)
	if len(all) == 0 {
		return Notification{}, false
	}
	return all[len(all)-1], true
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	return len(r.OfKind(kind))
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
