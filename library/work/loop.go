// Package work provides the shared task executor and timer scheduler that
// drive every periodic job in the service (synchronizer ticks, heartbeat
// scans). Jobs run on a bounded goroutine pool; panics never escape.
package work

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/yola1107/holdem-live/pkg/xlog"
)

const defaultPoolSize = 100

// LoopStatus describes the current pool state.
type LoopStatus struct {
	Capacity int
	Running  int
	Free     int
}

// ITaskLoop is the goroutine pool behind all background work.
type ITaskLoop interface {
	Start() error
	Stop()
	Status() LoopStatus
	Post(job func())
	PostCtx(ctx context.Context, job func())
}

type antsLoop struct {
	mu   sync.RWMutex
	pool *ants.Pool
	size int
}

func NewAntsLoop(size int) ITaskLoop {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &antsLoop{size: size}
}

func (l *antsLoop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pool != nil {
		xlog.Warnf("antsLoop already started.")
		return nil
	}
	pool, err := ants.NewPool(l.size, ants.WithExpiryDuration(60*time.Second))
	if err != nil {
		return fmt.Errorf("pool init failed: %w", err)
	}
	l.pool = pool
	xlog.Infof("antsLoop start... [size:%d]", l.size)
	return nil
}

func (l *antsLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pool != nil {
		p := l.pool
		l.pool = nil
		p.Release()
		xlog.Infof("antsLoop stopping [running:%d]", p.Running())
	}
}

func (l *antsLoop) Status() LoopStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.pool == nil {
		return LoopStatus{}
	}
	capacity := l.pool.Cap()
	running := l.pool.Running()
	free := capacity - running
	if free < 0 {
		free = 0
	}
	return LoopStatus{Capacity: capacity, Running: running, Free: free}
}

func (l *antsLoop) Post(job func()) {
	l.PostCtx(context.Background(), job)
}

func (l *antsLoop) PostCtx(ctx context.Context, job func()) {
	if ctx.Err() != nil {
		return
	}
	run := func() {
		defer RecoverFromError(nil)
		job()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pool == nil || l.pool.IsClosed() {
		// loop not started or already released; degrade to a raw goroutine
		// so the job is not silently dropped.
		go run()
		return
	}
	if err := l.pool.Submit(run); err != nil {
		xlog.Warnf("antsLoop submit failed: %v, fallback to goroutine", err)
		go run()
	}
}
