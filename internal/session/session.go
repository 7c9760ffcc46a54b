// Package session defines Connection, the object the driver advances
// through the protocol state machine: one client endpoint, zero or one
// backend endpoint, the current state, parser scratch, and the
// per-connection script state (injection queue, sent_resultset guard,
// qstat, backend hint, connection_close flag).
package session

import (
	"time"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/endpoint"
	"github.com/sqlmediator/sqlmediator/internal/inject"
	"github.com/sqlmediator/sqlmediator/internal/pool"
	"github.com/sqlmediator/sqlmediator/internal/script"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

// State is one node of the protocol state machine (spec §4.4).
type State int

const (
	StateConnectServer State = iota
	StateReadHandshake
	StateSendHandshake
	StateReadAuth
	StateSendAuth
	StateReadAuthResult
	StateSendAuthResult
	StateReadQuery
	StateSendQuery
	StateReadQueryResult
	StateSendQueryResult
	StateCloseClient
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnectServer:
		return "CONNECT_SERVER"
	case StateReadHandshake:
		return "READ_HANDSHAKE"
	case StateSendHandshake:
		return "SEND_HANDSHAKE"
	case StateReadAuth:
		return "READ_AUTH"
	case StateSendAuth:
		return "SEND_AUTH"
	case StateReadAuthResult:
		return "READ_AUTH_RESULT"
	case StateSendAuthResult:
		return "SEND_AUTH_RESULT"
	case StateReadQuery:
		return "READ_QUERY"
	case StateSendQuery:
		return "SEND_QUERY"
	case StateReadQueryResult:
		return "READ_QUERY_RESULT"
	case StateSendQueryResult:
		return "SEND_QUERY_RESULT"
	case StateCloseClient:
		return "CLOSE_CLIENT"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Personality distinguishes the two listener roles sharing this core.
type Personality int

const (
	Proxy Personality = iota
	Master
)

// QStat is the last query's aggregate stats, tracked across the
// READ_QUERY/READ_QUERY_RESULT cycle.
type QStat struct {
	Opcode     byte
	Rows       int64
	Bytes      int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// ScriptState is the per-connection state §3 assigns to the script layer.
type ScriptState struct {
	Injections      inject.Queue
	SentResultSet   bool
	QStat           QStat
	BackendHint     int // -1 if the script expressed no preference
	ConnectionClose bool
}

// Connection owns one client endpoint, zero-or-one backend endpoint, the
// current state, parser scratch, and the script-visible per-connection
// state. Thread-affine: a Connection is only ever touched by the goroutine
// running its driver loop (spec §5), so it carries no internal locking.
type Connection struct {
	Personality Personality
	State       State

	Client  *endpoint.Endpoint
	Backend *endpoint.Endpoint

	// BackendIndex is the registry index of the currently attached (or
	// most recently attached) backend, -1 if none.
	BackendIndex int

	Opcode byte

	Script ScriptState
	Host   script.Host

	Registry *backend.Registry
	Pool     *pool.Pool

	// PoolChangeUser mirrors the config knob of the same name: when true,
	// pool reuse always re-authenticates via COM_CHANGE_USER; when false,
	// the driver compares cached backend credentials against the client's
	// and answers a mismatch with ERR 1045/28000.
	PoolChangeUser bool

	// FixBug25371 mirrors the config knob of the same name. It is carried
	// on the connection only: no driver state reads it, and a duplicate
	// ERR packet after an auth failure is not filtered.
	FixBug25371 bool

	// MasterUser/MasterPassword back the master personality's built-in
	// auth check when no script overrides authentication.
	MasterUser     string
	MasterPassword string

	// Iterator, for the master personality, produces one framed payload
	// per call; ok=false means the stream is exhausted, err!=nil means the
	// source failed mid-stream (spec.md §9's Open Question: flush what's
	// already queued, then close, with no trailing ERR). Set by a script
	// hook populating response.packets; cleared once drained.
	Iterator func() (payload []byte, ok bool, err error)

	// PendingQuery/PendingSeq hold the client's own command while
	// injections ahead of it are draining (spec.md §4.8): readQuery stashes
	// it here instead of forwarding it, and the injection-completion path
	// forwards it once the queue runs dry.
	PendingQuery []byte
	PendingSeq   byte

	// InjectionInFlight is the injection whose backend result is currently
	// being collected, nil when the in-flight result belongs to the
	// client's own command.
	InjectionInFlight *inject.Query

	// ResultBuffer accumulates the backend packets of the result currently
	// being collected, pending the Suppress/Forward/IgnoreResult decision
	// made once it completes.
	ResultBuffer []wire.Packet

	// QueryEOFCount counts EOF_Packets seen in the result currently being
	// collected: one ends the column-definitions block, a second ends the
	// row block (spec.md §4.4's text-protocol result-set framing).
	QueryEOFCount int

	// NextAfterQueryResult is the state SEND_QUERY_RESULT moves to once its
	// flush completes: READ_QUERY (the command is finished),
	// READ_QUERY_RESULT (a BINLOG_DUMP stream relays its next event) or
	// CLOSE_CLIENT (a master iterator failed mid-stream).
	NextAfterQueryResult State

	closed bool
}

// New builds a Connection in its personality's initial state, per
// spec.md §9: "Connection ↔ endpoint ↔ driver form natural cycles... expose
// ownership as driver owns Connection; Connection owns endpoints; endpoints
// hold an index back into the registry."
func New(personality Personality, client *endpoint.Endpoint, reg *backend.Registry, p *pool.Pool, host script.Host) *Connection {
	initial := StateConnectServer
	if personality == Master {
		initial = StateSendHandshake
	}
	return &Connection{
		Personality:  personality,
		State:        initial,
		Client:       client,
		BackendIndex: -1,
		Registry:     reg,
		Pool:         p,
		Host:         host,
		Script:       ScriptState{BackendHint: -1},
	}
}

// Cleanup tears down a Connection's resources. Idempotent: a second call
// observes already-nil endpoints and is a no-op, per spec.md §8's
// "repeated cleanup on a Connection is safe" property.
//
// Cleanup never itself adjusts connected_clients: that counter tracks
// connections currently attached to a backend, and whoever decides the
// backend's fate before Cleanup runs — the driver's releaseBackend, via
// pool.Return or pool.Discard — already decremented it at that point, per
// spec.md §4.7's "decrement on return" rule.
func (c *Connection) Cleanup() {
	if c.closed {
		return
	}
	c.closed = true

	if c.Client != nil {
		c.Client.Close()
	}
	c.Backend = nil
}

// IsClosed reports whether Cleanup has already run.
func (c *Connection) IsClosed() bool {
	return c.closed
}
