// Package debounce coalesces rapid edits of one setting into a single
// action that runs after a quiet period. Only the last scheduled action for
// a key ever runs.
package debounce

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	seq   uint64
}

type Scheduler struct {
	mu      sync.Mutex
	entries map[string]entry
	running map[string]int
	seq     uint64
	closed  bool
}

func New() *Scheduler {
	return &Scheduler{entries: map[string]entry{}, running: map[string]int{}}
}

// Schedule replaces any pending action for key with action, to run once
// delay elapses without another Schedule for the same key.
func (s *Scheduler) Schedule(key string, delay time.Duration, action func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.entries[key] = entry{
		seq:   seq,
		timer: time.AfterFunc(delay, func() { s.fire(key, seq, action) }),
	}
}

// Cancel discards the pending action for key.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	return true
}

// Pending lists keys with an action still waiting or running, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries)+len(s.running))
	for k := range s.entries {
		keys = append(keys, k)
	}
	for k := range s.running {
		if _, waiting := s.entries[k]; !waiting {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close cancels every pending action. Later Schedule calls are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for k, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, k)
	}
}

func (s *Scheduler) fire(key string, seq uint64, action func()) {
	s.mu.Lock()
	e, ok := s.entries[key]
	// A timer that fired while being replaced or cancelled must not run.
	if !ok || e.seq != seq || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.running[key]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.running[key]--; s.running[key] <= 0 {
			delete(s.running, key)
		}
		s.mu.Unlock()
	}()
	action()
}
