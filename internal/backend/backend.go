// Package backend tracks the ordered set of MySQL backends a mediated
// connection may be routed to: address, read/write role, and liveness
// state. Reads happen on every CONNECT_SERVER transition and must be
// lock-free; writes (state transitions, config reload) are rare and
// serialize on a mutex that swaps in a new immutable snapshot.
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Role is a backend's read/write role.
type Role int

const (
	RoleUnknown Role = iota
	RoleReadWrite
	RoleReadOnly
)

func (r Role) String() string {
	switch r {
	case RoleReadWrite:
		return "rw"
	case RoleReadOnly:
		return "ro"
	default:
		return "unknown"
	}
}

// State is a backend's observed liveness.
type State int

const (
	StateUnknown State = iota
	StateUp
	StateDown
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Backend is one configured MySQL server this process may connect to.
// Backend values are immutable snapshots; to change a backend's state,
// call Registry.SetState, which swaps in a replacement.
type Backend struct {
	Index            int
	Address          string
	Role             Role
	State            State
	LastChange       time.Time
	ConnectedClients int64 // atomic: incremented when a connection attaches the backend, decremented when it detaches
}

// Registry is the ordered set of backends known to this process.
// Resolve-style reads (List, ByIndex, CandidatesForWrite) are lock-free via
// atomic.Value; SetState and Reload serialize on a write mutex and publish
// a new snapshot. Mirrors the CoW snapshot pattern used for tenant routing
// in the examples, generalized to backend liveness instead of tenant config.
type Registry struct {
	snap atomic.Value // holds []*Backend
	wmu  sync.Mutex
}

// New builds a Registry from an ordered list of (address, role) pairs.
func New(addrs []string, roles []Role) *Registry {
	backends := make([]*Backend, len(addrs))
	now := time.Now()
	for i, addr := range addrs {
		role := RoleReadWrite
		if i < len(roles) {
			role = roles[i]
		}
		backends[i] = &Backend{
			Index:      i,
			Address:    addr,
			Role:       role,
			State:      StateUnknown,
			LastChange: now,
		}
	}
	r := &Registry{}
	r.snap.Store(backends)
	return r
}

func (r *Registry) load() []*Backend {
	v := r.snap.Load()
	if v == nil {
		return nil
	}
	return v.([]*Backend)
}

// List returns the current ordered set of backends. Lock-free.
func (r *Registry) List() []*Backend {
	return r.load()
}

// ByIndex returns the backend at position idx, or an error if out of range.
func (r *Registry) ByIndex(idx int) (*Backend, error) {
	list := r.load()
	if idx < 0 || idx >= len(list) {
		return nil, fmt.Errorf("backend: index %d out of range (have %d backends)", idx, len(list))
	}
	return list[idx], nil
}

// CandidatesForWrite returns the subset of backends eligible to receive a
// write or unrouted query: role RW and state UP. Order is preserved so
// "shortest queue first" selection can break ties deterministically.
func (r *Registry) CandidatesForWrite() []*Backend {
	list := r.load()
	out := make([]*Backend, 0, len(list))
	for _, b := range list {
		if b.Role == RoleReadWrite && b.State == StateUp {
			out = append(out, b)
		}
	}
	return out
}

// SelectShortestQueue picks the RW+UP backend with the fewest connected
// clients, per spec.md's default selection policy. Returns an error if no
// backend qualifies ("all backends down").
func (r *Registry) SelectShortestQueue() (*Backend, error) {
	candidates := r.CandidatesForWrite()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("backend: all backends down")
	}
	best := candidates[0]
	bestCount := atomic.LoadInt64(&best.ConnectedClients)
	for _, b := range candidates[1:] {
		c := atomic.LoadInt64(&b.ConnectedClients)
		if c < bestCount {
			best, bestCount = b, c
		}
	}
	return best, nil
}

// SetState records a backend's liveness transition. A no-op if the state
// is unchanged (avoids a snapshot swap, and LastChange churn, on every
// redundant health-check tick).
func (r *Registry) SetState(idx int, state State) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if idx < 0 || idx >= len(cur) {
		return
	}
	if cur[idx].State == state {
		return
	}

	next := make([]*Backend, len(cur))
	copy(next, cur)
	replacement := *cur[idx]
	replacement.State = state
	replacement.LastChange = time.Now()
	next[idx] = &replacement
	r.snap.Store(next)
}

// IncrConnectedClients adjusts a backend's connected-client counter. This
// is the one field mutated outside the snapshot-swap path: it changes on
// every backend attach/detach, far more often than role/state, so it lives
// behind its own atomic int64 rather than forcing a snapshot swap per
// connection.
func (r *Registry) IncrConnectedClients(idx int, delta int64) {
	list := r.load()
	if idx < 0 || idx >= len(list) {
		return
	}
	atomic.AddInt64(&list[idx].ConnectedClients, delta)
}

// Reload replaces the entire backend set, e.g. after a config hot-reload.
// Backends matching an existing address keep their observed State and
// ConnectedClients; new addresses start StateUnknown.
func (r *Registry) Reload(addrs []string, roles []Role) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	byAddr := make(map[string]*Backend, len(cur))
	for _, b := range cur {
		byAddr[b.Address] = b
	}

	now := time.Now()
	next := make([]*Backend, len(addrs))
	for i, addr := range addrs {
		role := RoleReadWrite
		if i < len(roles) {
			role = roles[i]
		}
		if prev, ok := byAddr[addr]; ok {
			next[i] = &Backend{
				Index:            i,
				Address:          addr,
				Role:             role,
				State:            prev.State,
				LastChange:       prev.LastChange,
				ConnectedClients: atomic.LoadInt64(&prev.ConnectedClients),
			}
			continue
		}
		next[i] = &Backend{Index: i, Address: addr, Role: role, State: StateUnknown, LastChange: now}
	}
	r.snap.Store(next)
}
