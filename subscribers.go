package lanchat

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// subscribers is a set of callbacks for one kind of node event.
type subscribers[T any] struct {
	name string

	mu   sync.RWMutex
	fns  map[uint64]func(T)
	next uint64
}

func newSubscribers[T any](name string) *subscribers[T] {
	return &subscribers[T]{name: name, fns: make(map[uint64]func(T))}
}

// add registers fn and returns the func removing it.
func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

// emit calls every subscriber with v. A panicking subscriber is logged and
// does not keep the others from running.
func (s *subscribers[T]) emit(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		s.call(fn, v)
	}
}

func (s *subscribers[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "subscribers.emit",
				"event":    s.name,
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Subscriber panicked")
		}
	}()
	fn(v)
}
