package stats

import (
	"sync"

	"github.com/google/go-cmp/cmp"
)

// Relay keeps the latest value and hands it to subscribers.
// A value equal to the previous one is not republished, and a subscriber
// that falls behind only ever sees the newest value.
type Relay[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	nextID int
	subs   map[int]chan T
}

func NewRelay[T any]() *Relay[T] {
	return &Relay[T]{subs: make(map[int]chan T)}
}

// Accept publishes v. It never blocks.
func (r *Relay[T]) Accept(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.has && cmp.Equal(r.latest, v) {
		return
	}
	r.latest = v
	r.has = true

	for _, ch := range r.subs {
		offerLatest(ch, v)
	}
}

// Latest returns the last accepted value, if any.
func (r *Relay[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.has
}

// Subscribe returns a channel primed with the latest value and a func that
// removes the subscription and closes the channel.
func (r *Relay[T]) Subscribe() (<-chan T, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan T, 1)
	if r.has {
		ch <- r.latest
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

// offerLatest replaces a pending value instead of blocking. Called with
// r.mu held, so it is the only sender on ch.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
