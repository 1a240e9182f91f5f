package xgo

import (
	"runtime/debug"

	"github.com/yola1107/holdem-live/pkg/xlog"
)

func RecoverFromError(cb func(e any)) {
	if e := recover(); e != nil {
		xlog.Errorf("Recover => %v\n%s\n", e, debug.Stack())
		if cb != nil {
			cb(e)
		}
	}
}

// Go runs f on its own goroutine with panic isolation.
func Go(f func()) {
	go func() {
		defer RecoverFromError(nil)
		f()
	}()
}
