// Package recovery provides panic recovery for session goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it. It must be called
// directly by a deferred statement:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "gateway.inbound")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is like RecoverWithLog but also passes the recovered
// value to callback, which may be nil.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
