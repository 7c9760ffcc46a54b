package driver

import (
	"bytes"
	"context"

	"github.com/sqlmediator/sqlmediator/internal/script"
	"github.com/sqlmediator/sqlmediator/internal/session"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

// readHandshake implements READ_HANDSHAKE (proxy only, spec.md §4.5 step 1):
// parse the backend's Protocol::HandshakeV10, scrub COMPRESS/SSL, and cache
// it on the backend endpoint for replay to the client.
func (d *Driver) readHandshake(conn *session.Connection) error {
	p, err := conn.Backend.ReadPacket(context.Background())
	if err != nil {
		return errf("reading backend handshake: %w", err)
	}
	hs, err := wire.DecodeHandshake(p.Payload)
	if err != nil {
		return errf("decoding backend handshake: %w", err)
	}
	hs.ScrubCompressSSL()
	conn.Backend.Challenge = &hs
	conn.State = session.StateSendHandshake
	return nil
}

// sendHandshake implements SEND_HANDSHAKE: replay the backend's (scrubbed)
// challenge to the client when one is cached, or synthesize a fresh one —
// the master personality and the script-SEND_RESULT path at CONNECT_SERVER
// both arrive here with no backend attached.
func (d *Driver) sendHandshake(conn *session.Connection) error {
	var hs wire.Handshake
	if conn.Backend != nil && conn.Backend.Challenge != nil {
		hs = *conn.Backend.Challenge
	} else {
		fresh, err := wire.NewChallenge(d.ServerVersion, d.NextConnectionID())
		if err != nil {
			return errf("generating handshake: %w", err)
		}
		hs = fresh
	}
	conn.Client.Challenge = &hs
	conn.Client.QueueSend(wire.Packet{Seq: 0, Payload: hs.Encode()})
	if err := conn.Client.Flush(); err != nil {
		return errf("sending handshake to client: %w", err)
	}
	conn.State = session.StateReadAuth
	return nil
}

// readAuth implements READ_AUTH (spec.md §4.5 steps 2-5): parse the
// client's HandshakeResponse41 and decide how to reach a result — directly
// (no backend), by forwarding verbatim (fresh backend), or by comparing
// against / reauthenticating a pooled backend.
func (d *Driver) readAuth(conn *session.Connection) error {
	p, err := conn.Client.ReadPacket(context.Background())
	if err != nil {
		return errf("reading client auth response: %w", err)
	}
	resp, err := wire.DecodeAuthResponse(p.Payload)
	if err != nil {
		return errf("decoding client auth response: %w", err)
	}
	conn.Client.Response = &resp
	conn.Client.SetDefaultDB(resp.Database)

	if conn.Backend == nil {
		return d.authWithoutBackend(conn, resp)
	}
	if !conn.Backend.IsAuthed() {
		conn.Backend.QueueSend(wire.Packet{Seq: p.Seq, Payload: p.Payload})
		conn.State = session.StateSendAuth
		return nil
	}
	return d.authPooledBackend(conn, resp)
}

// authWithoutBackend handles step 3: no backend is attached (a script
// answered CONNECT_SERVER itself, or this is the master personality).
// The master personality checks the client against its configured
// credentials when one is set; otherwise any client is accepted.
func (d *Driver) authWithoutBackend(conn *session.Connection, resp wire.AuthResponse) error {
	ok := true
	if conn.Personality == session.Master && conn.MasterUser != "" {
		ok = resp.Username == conn.MasterUser &&
			wire.VerifyScramble(conn.Client.Challenge.AuthPluginData, conn.MasterPassword, resp.AuthResponse)
	}
	if !ok {
		d.queueAuthFailure(conn, resp.Username)
		return nil
	}
	if builtin, isBuiltin := conn.Host.(*script.BuiltinHost); isBuiltin {
		builtin.User = resp.Username
	}
	okPkt := wire.OK{StatusFlags: wire.StatusAutocommit}
	conn.Client.QueueSend(wire.Packet{Seq: 2, Payload: okPkt.Encode()})
	conn.State = session.StateSendAuthResult
	return nil
}

// authPooledBackend handles step 5: the attached backend is already
// authenticated from a prior session (pool reuse).
func (d *Driver) authPooledBackend(conn *session.Connection, resp wire.AuthResponse) error {
	if conn.PoolChangeUser {
		return d.changeUserOnBackend(conn, resp)
	}

	// The client's scramble was computed against the same challenge that
	// authenticated the pooled backend (conn.Client.Challenge replays
	// conn.Backend.Challenge for a pool hit), so a byte-identical scramble
	// means a byte-identical password without either side knowing it.
	cached := conn.Backend.Response
	match := cached != nil &&
		cached.Username == resp.Username &&
		bytes.Equal(cached.AuthResponse, resp.AuthResponse) &&
		(resp.Database == "" || resp.Database == conn.Backend.DefaultDB())
	if !match {
		d.queueAuthFailure(conn, resp.Username)
		return nil
	}
	okPkt := wire.OK{StatusFlags: wire.StatusAutocommit}
	conn.Client.QueueSend(wire.Packet{Seq: 2, Payload: okPkt.Encode()})
	conn.State = session.StateSendAuthResult
	return nil
}

// changeUserOnBackend synthesizes a COM_CHANGE_USER carrying the client's
// identity and queues it to the backend, per spec.md §4.5 step 5's
// pool_change_user branch.
func (d *Driver) changeUserOnBackend(conn *session.Connection, resp wire.AuthResponse) error {
	var body []byte
	body = append(body, wire.ComChangeUser)
	body = append(body, []byte(resp.Username)...)
	body = append(body, 0)
	body = append(body, byte(len(resp.AuthResponse)))
	body = append(body, resp.AuthResponse...)
	body = append(body, []byte(resp.Database)...)
	body = append(body, 0)
	conn.Backend.QueueSend(wire.Packet{Seq: 0, Payload: body})
	conn.State = session.StateSendAuth
	return nil
}

// queueAuthFailure queues the ERR 1045/28000 spec.md mandates for a wrong
// scramble or a pooled-credential mismatch, and marks the connection to
// close once the reply is flushed.
func (d *Driver) queueAuthFailure(conn *session.Connection, username string) {
	e := wire.NewAuthFailedErr("Access denied for user '" + username + "'")
	conn.Client.QueueSend(wire.Packet{Seq: nextSeq(conn), Payload: e.Encode()})
	conn.Script.ConnectionClose = true
	conn.State = session.StateSendAuthResult
}

// sendAuth implements SEND_AUTH: flush the auth packet queued for the
// backend (either the client's forwarded HandshakeResponse41 or a
// synthesized COM_CHANGE_USER), then wait for its result.
func (d *Driver) sendAuth(conn *session.Connection) error {
	if err := conn.Backend.Flush(); err != nil {
		return errf("flushing auth to backend: %w", err)
	}
	conn.State = session.StateReadAuthResult
	return nil
}

// readAuthResult implements READ_AUTH_RESULT: read the backend's response
// to the forwarded auth packet or COM_CHANGE_USER, relay it to the client,
// and record the backend's freshly-authenticated identity.
func (d *Driver) readAuthResult(conn *session.Connection) error {
	p, err := conn.Backend.ReadPacket(context.Background())
	if err != nil {
		return errf("reading backend auth result: %w", err)
	}
	switch {
	case len(p.Payload) > 0 && p.Payload[0] == wire.OKHeader:
		conn.Backend.SetAuthed(true)
		conn.Backend.SetBackendUser(conn.Client.Response.Username)
		conn.Backend.SetDefaultDB(conn.Client.DefaultDB())
		conn.Backend.Response = conn.Client.Response
		conn.Client.QueueSend(wire.Packet{Seq: p.Seq, Payload: p.Payload})
	case len(p.Payload) > 0 && p.Payload[0] == wire.ErrHeader:
		conn.Client.QueueSend(wire.Packet{Seq: p.Seq, Payload: p.Payload})
		conn.Script.ConnectionClose = true
	default:
		// AuthSwitchRequest or other mid-negotiation packet, relayed
		// verbatim: this state machine doesn't carry a relayed client
		// through a second plugin-negotiation round.
		conn.Client.QueueSend(wire.Packet{Seq: p.Seq, Payload: p.Payload})
	}
	conn.State = session.StateSendAuthResult
	return nil
}

// sendAuthResult implements SEND_AUTH_RESULT: flush the queued reply to
// the client and either close (auth failed) or move on to READ_QUERY.
func (d *Driver) sendAuthResult(conn *session.Connection) error {
	if err := conn.Client.Flush(); err != nil {
		return errf("flushing auth result to client: %w", err)
	}
	if conn.Script.ConnectionClose {
		conn.State = session.StateCloseClient
		return nil
	}
	conn.State = session.StateReadQuery
	return nil
}
