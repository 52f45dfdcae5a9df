// Package status carries backend liveness to the host UI.
package status

import (
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/metrics"
)

// EventName is the name the host UI listens on.
const EventName = "backend-status"

// Error texts published at the transitions.
const (
	ErrTextStartupTimeout = "startup timeout"
	ErrTextRestartLimit   = "restart limit reached"
)

// BackendStatus is an immutable snapshot. Error is nil unless a failure is
// being reported; it encodes as JSON null.
type BackendStatus struct {
	Ready bool    `json:"ready"`
	Port  uint16  `json:"port"`
	Error *string `json:"error"`
}

// Ready returns {ready:true} for port.
func Ready(port uint16) BackendStatus {
	return BackendStatus{Ready: true, Port: port}
}

// NotReady returns {ready:false}. An empty msg means no error.
func NotReady(port uint16, msg string) BackendStatus {
	s := BackendStatus{Port: port}
	if msg != "" {
		s.Error = &msg
	}
	return s
}

// ErrorText returns the error message or "".
func (s BackendStatus) ErrorText() string {
	if s.Error == nil {
		return ""
	}
	return *s.Error
}

// Publisher delivers a status to the host UI. Delivery is best-effort and
// must not block the caller for long.
type Publisher interface {
	Publish(BackendStatus)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(BackendStatus)

func (f PublisherFunc) Publish(s BackendStatus) { f(s) }

// Multi fans a status out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(s BackendStatus) {
	for _, p := range m {
		if p != nil {
			p.Publish(s)
		}
	}
}

// Counted wraps p and counts published transitions in metrics.
func Counted(p Publisher) Publisher {
	return PublisherFunc(func(s BackendStatus) {
		metrics.IncStatus(s.Ready)
		p.Publish(s)
	})
}

// Record is a status together with the time it was published.
type Record struct {
	Status BackendStatus `json:"status"`
	At     time.Time     `json:"at"`
}

const subscriberBuffer = 16

// Broadcaster is a Publisher that keeps the latest status and fans it out to
// subscribers. A subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu      sync.Mutex
	latest  *Record
	subs    map[int]chan Record
	nextID  int
	dropped uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Record)}
}

func (b *Broadcaster) Publish(s BackendStatus) {
	r := Record{Status: s, At: time.Now()}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = &r
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
			b.dropped++
		}
	}
}

// Latest returns the last published status, if any.
func (b *Broadcaster) Latest() (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return Record{}, false
	}
	return *b.latest, true
}

// Subscribe registers a listener. The latest status, if any, is delivered
// first. cancel unregisters and closes the channel; it is safe to call twice.
func (b *Broadcaster) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.latest != nil {
		ch <- *b.latest
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was slow.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
