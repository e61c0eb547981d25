package scheduler

import (
	"context"
	"sync"
	"time"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// TimerSet runs at most one pending one-shot job per key.
// Cancel is synchronous: once it returns true the job will never start.
type TimerSet struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*timerEntry
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

func NewTimerSet() *TimerSet {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerSet{ctx: ctx, cancel: cancel, timers: make(map[string]*timerEntry)}
}

// Schedule arms job under key, replacing any pending job for the same key.
// A non-positive delay runs the job on the next tick.
func (s *TimerSet) Schedule(key string, delay time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = &timerEntry{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { s.fire(key, gen, job) }),
	}
}

func (s *TimerSet) fire(key string, gen uint64, job Job) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if s.stopped || !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	job.Run(s.ctx)
}

// Cancel reports whether a pending job was removed. false means there was
// nothing pending, or the job had already started.
func (s *TimerSet) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

func (s *TimerSet) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *TimerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop drops every pending job and waits for running ones to return
func (s *TimerSet) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
