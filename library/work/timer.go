package work

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/timingwheel"

	"github.com/yola1107/holdem-live/pkg/xlog"
)

const (
	defaultWheelTickPrecision = 500 * time.Millisecond
	defaultWheelSize          = 128
	maxIntervalJumps          = 10000
)

// Scheduler registers one-shot and periodic tasks on a timing wheel.
type Scheduler interface {
	Len() int
	Once(delay time.Duration, f func()) int64
	Forever(interval time.Duration, f func()) int64
	ForeverNow(interval time.Duration, f func()) int64
	Cancel(taskID int64)
	CancelAll()
	Stop()
}

func RecoverFromError(cb func(e any)) {
	if e := recover(); e != nil {
		xlog.Errorf("Recover => %v\n%s\n", e, debug.Stack())
		if cb != nil {
			cb(e)
		}
	}
}

// wheelPreciseEvery keeps periodic tasks aligned to their interval so a slow
// tick does not drift the whole schedule.
type wheelPreciseEvery struct {
	Interval time.Duration
	last     atomic.Value // time.Time
}

func (p *wheelPreciseEvery) Next(t time.Time) time.Time {
	last, _ := p.last.Load().(time.Time)
	if last.IsZero() {
		last = t
	}
	steps := 0
	next := last.Add(p.Interval)
	for !next.After(t) {
		next = next.Add(p.Interval)
		if steps++; steps > maxIntervalJumps {
			xlog.Warnf("[wheelPreciseEvery] skipped too many steps: %d", steps)
			break
		}
	}
	p.last.Store(next)
	return next
}

type wheelTaskEntry struct {
	timer     *timingwheel.Timer
	cancelled atomic.Bool
	repeated  bool
	task      func()
}

type wheelScheduler struct {
	executor ITaskLoop
	tw       *timingwheel.TimingWheel
	tasks    sync.Map // map[int64]*wheelTaskEntry
	nextID   atomic.Int64
	shutdown atomic.Bool
}

// NewWheelScheduler creates a timing-wheel scheduler whose tasks execute on
// the given loop (nil means raw goroutines).
func NewWheelScheduler(executor ITaskLoop) Scheduler {
	s := &wheelScheduler{
		executor: executor,
		tw:       timingwheel.NewTimingWheel(defaultWheelTickPrecision, defaultWheelSize),
	}
	s.tw.Start()
	return s
}

func (s *wheelScheduler) Len() int {
	count := 0
	s.tasks.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (s *wheelScheduler) Once(delay time.Duration, f func()) int64 {
	if s.shutdown.Load() {
		return 0
	}
	id := s.nextID.Add(1)
	entry := &wheelTaskEntry{task: f}
	entry.timer = s.tw.AfterFunc(delay, func() {
		defer s.tasks.Delete(id)
		s.run(entry)
	})
	s.tasks.Store(id, entry)
	return id
}

func (s *wheelScheduler) Forever(interval time.Duration, f func()) int64 {
	if s.shutdown.Load() {
		return 0
	}
	id := s.nextID.Add(1)
	entry := &wheelTaskEntry{task: f, repeated: true}
	entry.timer = s.tw.ScheduleFunc(&wheelPreciseEvery{Interval: interval}, func() {
		s.run(entry)
	})
	s.tasks.Store(id, entry)
	return id
}

func (s *wheelScheduler) ForeverNow(interval time.Duration, f func()) int64 {
	id := s.Forever(interval, f)
	if id != 0 {
		s.execute(f)
	}
	return id
}

func (s *wheelScheduler) Cancel(taskID int64) {
	v, ok := s.tasks.LoadAndDelete(taskID)
	if !ok {
		return
	}
	entry := v.(*wheelTaskEntry)
	entry.cancelled.Store(true)
	if entry.timer != nil {
		entry.timer.Stop()
	}
}

func (s *wheelScheduler) CancelAll() {
	s.tasks.Range(func(k, _ any) bool {
		s.Cancel(k.(int64))
		return true
	})
}

func (s *wheelScheduler) Stop() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.CancelAll()
	s.tw.Stop()
}

func (s *wheelScheduler) run(entry *wheelTaskEntry) {
	if entry.cancelled.Load() || s.shutdown.Load() {
		return
	}
	s.execute(entry.task)
}

func (s *wheelScheduler) execute(f func()) {
	run := func() {
		defer RecoverFromError(nil)
		f()
	}
	if s.executor != nil {
		s.executor.Post(run)
	} else {
		go run()
	}
}
