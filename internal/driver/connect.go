package driver

import (
	"context"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/endpoint"
	"github.com/sqlmediator/sqlmediator/internal/pool"
	"github.com/sqlmediator/sqlmediator/internal/script"
	"github.com/sqlmediator/sqlmediator/internal/session"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

// connectServer implements CONNECT_SERVER (spec.md §4.6): run the script
// hook, resolve a backend by policy or script hint, try a pool hit before
// dialing fresh, and attach the result to conn.
func (d *Driver) connectServer(ctx context.Context, conn *session.Connection) error {
	req := script.Request{Hook: "connect_server", BackendIndex: conn.Script.BackendHint}
	var resp script.Response
	verdict := script.NoDecision
	if conn.Host != nil {
		verdict = conn.Host.ConnectServer(req, &conn.Script.Injections, &resp)
	}

	if verdict == script.SendResult {
		// Script handles this connection itself; proceed without a
		// backend, the same path the master personality takes.
		conn.State = session.StateSendHandshake
		return nil
	}
	return d.connectViaPoolOrPolicy(conn)
}

func (d *Driver) connectViaPoolOrPolicy(conn *session.Connection) error {
	idx, b, err := d.selectBackend(conn)
	if err != nil {
		e := wire.Err{Code: 1053, SQLState: "08S01", Message: "all backends are down"}
		conn.Client.WriteNow(e.Encode(), nextSeq(conn))
		conn.State = session.StateCloseClient
		return nil
	}

	if ep, _, ok := d.Pool.TryTakeIdle(idx); ok {
		d.attachBackend(conn, idx, ep)
		conn.State = session.StateSendHandshake
		return nil
	}

	ep, err := d.Pool.DialRaw(context.Background(), b.Address)
	if err != nil {
		d.Registry.SetState(idx, backend.StateDown)
		conn.State = session.StateConnectServer // RETRY: re-enter and pick another backend
		return nil
	}
	d.attachBackend(conn, idx, ep)
	conn.State = session.StateReadHandshake
	return nil
}

// selectBackend resolves the backend index for this connection attempt:
// an explicit script hint takes precedence over the shortest-queue policy.
func (d *Driver) selectBackend(conn *session.Connection) (int, *backend.Backend, error) {
	if conn.Script.BackendHint >= 0 {
		b, err := d.Registry.ByIndex(conn.Script.BackendHint)
		if err != nil {
			return 0, nil, err
		}
		return conn.Script.BackendHint, b, nil
	}
	b, err := d.Registry.SelectShortestQueue()
	if err != nil {
		return 0, nil, err
	}
	return b.Index, b, nil
}

// attachBackend attaches ep to conn as its backend endpoint, whether ep was
// just dialed fresh or taken from the pool. connected_clients counts
// connections currently routing through a backend, not sockets open to it —
// an idle pooled endpoint counts toward nobody — so every attach increments
// it (spec.md §4.6's "increment connected_clients" on a pool take applies
// equally to a fresh dial).
func (d *Driver) attachBackend(conn *session.Connection, idx int, ep *endpoint.Endpoint) {
	conn.Backend = ep
	conn.BackendIndex = idx
	d.Registry.IncrConnectedClients(idx, 1)
}

// releaseBackend detaches conn's backend, either returning it to the pool
// (toPool) or discarding it. Both paths decrement connected_clients: per
// spec.md §4.7, the decrement happens at return time (the "returning
// session"), paired with the increment a later Take performs — not deferred
// until the idle endpoint is next claimed.
func (d *Driver) releaseBackend(conn *session.Connection, toPool bool) {
	if conn.Backend == nil || conn.BackendIndex < 0 {
		return
	}
	key := pool.Key{
		BackendIndex: conn.BackendIndex,
		User:         conn.Backend.BackendUser(),
		DefaultDB:    conn.Backend.DefaultDB(),
	}
	if toPool {
		d.Pool.Return(key, conn.Backend)
	} else {
		d.Pool.Discard(key, conn.Backend)
	}
	d.Registry.IncrConnectedClients(conn.BackendIndex, -1)
	conn.Backend = nil
}

// backendReusable reports whether conn's backend left the protocol in a
// state a future session can safely pick up via the pool: authenticated,
// and not mid-injection or closing because of an auth/script failure.
func (d *Driver) backendReusable(conn *session.Connection) bool {
	if conn.Backend == nil {
		return false
	}
	return conn.Backend.IsAuthed() && !conn.Script.ConnectionClose && conn.InjectionInFlight == nil
}
