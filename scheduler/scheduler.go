package scheduler

import (
	"sync"
	"time"
)

// A Scheduler keeps track of many upcoming alarms associated with keys, at
// most one per key
type Scheduler[K comparable] struct {
	alarms map[K]*alarm
	fired  map[K]bool
	ch     chan struct{}
	mu     sync.Mutex
}

type alarm struct {
	timer *time.Timer
}

// New creates a new Scheduler
func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{
		alarms: map[K]*alarm{},
		ch:     make(chan struct{}, 1),
	}
}

// Schedule adds, modifies or removes the alarm for a given key.
// Set when to zero time to remove.
func (s *Scheduler[K]) Schedule(key K, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a := s.alarms[key]; a != nil {
		a.timer.Stop()
		delete(s.alarms, key)
	}
	delete(s.fired, key)

	if when.IsZero() {
		return
	}

	a := &alarm{}
	a.timer = time.AfterFunc(time.Until(when), func() {
		s.fire(key, a)
	})
	s.alarms[key] = a
}

// ScheduleIfAbsent sets the alarm for a key unless one is already pending
func (s *Scheduler[K]) ScheduleIfAbsent(key K, when time.Time) {
	s.mu.Lock()
	_, pending := s.alarms[key]
	s.mu.Unlock()
	if !pending {
		s.Schedule(key, when)
	}
}

func (s *Scheduler[K]) fire(key K, a *alarm) {
	s.mu.Lock()
	if s.alarms[key] != a { // rescheduled or cancelled in the meantime
		s.mu.Unlock()
		return
	}
	if s.fired == nil {
		s.fired = map[K]bool{}
	}
	s.fired[key] = true
	delete(s.alarms, key)
	s.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel where alarms are announced
func (s *Scheduler[K]) Wait() <-chan struct{} {
	return s.ch
}

// Get returns the list of keys for which the alarm has fired
func (s *Scheduler[K]) Get() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fired == nil {
		return nil
	}

	res := make([]K, 0, len(s.fired))
	for key := range s.fired {
		res = append(res, key)
	}
	s.fired = nil

	return res
}

// Clear removes all alarms
func (s *Scheduler[K]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alarms {
		a.timer.Stop()
	}
	s.alarms = map[K]*alarm{}
	s.fired = nil
}
