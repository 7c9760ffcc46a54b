package script

import "sync/atomic"

// Registry holds the currently active Host and lets the config watcher
// swap it out on a config reload without disturbing connections
// already in flight: each connection reads the active Host once, at
// accept time, and runs against that snapshot for its whole lifetime.
type Registry struct {
	current atomic.Value // holds hostBox
}

type hostBox struct {
	host Host
}

// NewRegistry builds a Registry starting from initial (nil is valid: every
// driver decision point treats a nil Host as NoDecision).
func NewRegistry(initial Host) *Registry {
	r := &Registry{}
	r.current.Store(hostBox{initial})
	return r
}

// Get returns the currently active Host.
func (r *Registry) Get() Host {
	return r.current.Load().(hostBox).host
}

// Reload swaps in a new Host, used by the config watcher on SIGHUP-style
// script reload (spec.md's "reopens/reloads the script" behavior,
// generalized from a file-descriptor reopen to an atomic pointer swap).
func (r *Registry) Reload(h Host) {
	r.current.Store(hostBox{h})
}
