package client

import (
	"sync"

	"github.com/golang/glog"
)

// handlerSet is a multi-subscriber observer list. Subscribing returns an
// unsubscribe func. A panicking handler is recovered and logged so it can
// never take down other subscribers or the transport loop.
type handlerSet[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func (s *handlerSet[T]) subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *handlerSet[T]) notify(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("client: observer panic: %v", r)
				}
			}()
			fn(v)
		}()
	}
}
