// Package safego launches fire-and-forget goroutines that survive panics.
package safego

import "log/slog"

// Go runs fn in a new goroutine, recovering and logging any panic instead
// of crashing the process. Async webhook processing and background jobs go
// through here so one bad delivery cannot take the server down.
func Go(fn func()) {
	GoNamed("", fn)
}

// GoNamed is Go with a label attached to the panic log line, used by
// long-running jobs so recovered panics are attributable.
func GoNamed(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if name != "" {
					slog.Error("recovered panic in background goroutine", "goroutine", name, "panic", r)
					return
				}
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
