// Package recovery turns a panic in a background goroutine into an error
// log entry so the rest of the node keeps running.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog must be deferred directly:
//
//	defer recovery.RecoverWithLog(logger, "flood.acceptLoop")
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		report(logger, name, r)
	}
}

// RecoverWithCallback also hands the panic value to onPanic, which
// typically releases what the goroutine owned.
func RecoverWithCallback(logger *slog.Logger, name string, onPanic func(recovered any)) {
	r := recover()
	if r == nil {
		return
	}
	report(logger, name, r)
	if onPanic != nil {
		onPanic(r)
	}
}

func report(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("goroutine panicked",
		slog.String("goroutine", name),
		slog.String("panic", fmt.Sprint(r)),
		slog.String("stack", string(debug.Stack())))
}
