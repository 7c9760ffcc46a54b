// Package driver runs the per-connection protocol state machine: one
// goroutine per Connection walks CONNECT_SERVER → … → READ_QUERY (proxy)
// or SEND_HANDSHAKE → … → READ_QUERY (master), dispatching to the script
// host at each decision point and suspending on blocking reads exactly
// where spec.md's event loop would suspend a non-blocking socket — a Go
// goroutine parked in Read() is the idiomatic rendering of that
// edge-triggered wait.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/pool"
	"github.com/sqlmediator/sqlmediator/internal/session"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

// Driver holds the shared, process-wide collaborators every Connection's
// state machine consults: the backend registry, the connection pool, and
// the dialer used to open fresh backend sockets.
type Driver struct {
	Registry      *backend.Registry
	Pool          *pool.Pool
	Dial          pool.Dialer
	ServerVersion string

	connIDSeq int64
}

// New builds a Driver over a shared registry and pool.
func New(reg *backend.Registry, p *pool.Pool, dial pool.Dialer, serverVersion string) *Driver {
	return &Driver{Registry: reg, Pool: p, Dial: dial, ServerVersion: serverVersion}
}

// NextConnectionID returns a fresh, monotonically increasing connection id
// for use in a handshake packet.
func (d *Driver) NextConnectionID() uint32 {
	return uint32(atomic.AddInt64(&d.connIDSeq, 1))
}

// Run drives conn through the state machine until it reaches CLOSE_CLIENT
// or ERROR, then runs cleanup. It blocks for the lifetime of the
// connection; callers run it in its own goroutine.
func (d *Driver) Run(ctx context.Context, conn *session.Connection) {
	defer conn.Cleanup()

	for {
		select {
		case <-ctx.Done():
			conn.State = session.StateCloseClient
		default:
		}

		var err error
		switch conn.State {
		case session.StateConnectServer:
			err = d.connectServer(ctx, conn)
		case session.StateReadHandshake:
			err = d.readHandshake(conn)
		case session.StateSendHandshake:
			err = d.sendHandshake(conn)
		case session.StateReadAuth:
			err = d.readAuth(conn)
		case session.StateSendAuth:
			err = d.sendAuth(conn)
		case session.StateReadAuthResult:
			err = d.readAuthResult(conn)
		case session.StateSendAuthResult:
			err = d.sendAuthResult(conn)
		case session.StateReadQuery:
			err = d.readQuery(conn)
		case session.StateSendQuery:
			err = d.sendQuery(conn)
		case session.StateReadQueryResult:
			err = d.readQueryResult(conn)
		case session.StateSendQueryResult:
			err = d.sendQueryResult(conn)
		case session.StateCloseClient:
			d.releaseBackend(conn, d.backendReusable(conn))
			return
		case session.StateError:
			d.releaseBackend(conn, false)
			return
		default:
			slog.Error("driver: unknown state", "state", conn.State)
			return
		}

		if err != nil {
			d.onError(conn, err)
		}
	}
}

// onError converts an in-flight error into a client-visible ERR when the
// client is still in a state where one is valid, per spec.md §7's
// propagation policy; otherwise it transitions straight to CLOSE_CLIENT.
func (d *Driver) onError(conn *session.Connection, err error) {
	slog.Warn("driver: connection error", "state", conn.State, "err", err)

	canReplyErr := conn.State == session.StateReadQuery ||
		conn.State == session.StateSendQuery ||
		conn.State == session.StateReadQueryResult ||
		conn.State == session.StateReadAuth ||
		conn.State == session.StateConnectServer

	if canReplyErr && conn.Client != nil {
		e := wire.Err{Code: 1105, SQLState: "HY000", Message: err.Error()}
		conn.Client.WriteNow(e.Encode(), nextSeq(conn))
	}
	conn.State = session.StateCloseClient
}

// nextSeq returns the sequence id one past the client endpoint's
// last-observed packet, the convention the proxy uses for synthesized
// replies that are not echoing a specific request.
func nextSeq(conn *session.Connection) byte {
	if conn.Client == nil {
		return 0
	}
	return conn.Client.LastSeq() + 1
}

// errf is a small helper to keep state handlers terse.
func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
