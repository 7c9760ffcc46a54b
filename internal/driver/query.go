package driver

import (
	"context"
	"time"

	"github.com/sqlmediator/sqlmediator/internal/inject"
	"github.com/sqlmediator/sqlmediator/internal/script"
	"github.com/sqlmediator/sqlmediator/internal/session"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

// dbInitializer is implemented by a Host that wants COM_INIT_DB routed to a
// dedicated method instead of ReadQuery, since it carries a database name
// rather than SQL text (script.BuiltinHost is one such Host).
type dbInitializer interface {
	InitDB(db string) script.Verdict
}

// readQuery implements READ_QUERY (spec.md §4.4/§4.8): parse the client's
// command packet, consult the script host, and decide whether to answer
// directly, forward the command (or a script injection ahead of it) to the
// backend, or — master personality with nothing to answer — simply wait
// for the client's next command.
func (d *Driver) readQuery(conn *session.Connection) error {
	p, err := conn.Client.ReadPacket(context.Background())
	if err != nil {
		return errf("reading client command: %w", err)
	}
	if len(p.Payload) == 0 {
		return errf("driver: empty command packet")
	}

	conn.Opcode = p.Payload[0]
	conn.Script.SentResultSet = false
	conn.Script.QStat = session.QStat{Opcode: conn.Opcode, StartedAt: time.Now()}
	conn.ResultBuffer = nil
	conn.QueryEOFCount = 0

	if conn.Opcode == wire.ComQuit {
		conn.State = session.StateCloseClient
		return nil
	}

	query := p.Payload[1:]

	if conn.Opcode == wire.ComBinlogDump {
		// Unbounded replication stream: bypass scripting entirely, the raw
		// request is relayed and every event that follows is too.
		return d.forwardToBackend(conn, p.Payload, p.Seq)
	}

	if conn.Opcode == wire.ComQuery && script.Bypasses(query) {
		return d.forwardToBackend(conn, p.Payload, p.Seq)
	}

	req := script.Request{Hook: "read_query", Query: query, BackendIndex: conn.BackendIndex}
	var resp script.Response
	verdict := script.NoDecision
	switch {
	case conn.Opcode == wire.ComInitDB:
		if initer, ok := conn.Host.(dbInitializer); ok {
			verdict = initer.InitDB(string(query))
		}
	case conn.Host != nil:
		verdict = conn.Host.ReadQuery(req, &conn.Script.Injections, &resp)
	}

	if verdict == script.SendResult {
		return d.sendScriptResult(conn, resp)
	}

	// NoDecision and SendQuery both forward by policy; an injection queued
	// ahead of the client's own command takes priority over it either way.
	if conn.Backend == nil {
		// Master personality answering nothing: spec.md's built-in
		// fallback contract is silence, not a synthesized error.
		conn.State = session.StateReadQuery
		return nil
	}
	if head, ok := conn.Script.Injections.Head(); ok {
		conn.PendingQuery = p.Payload
		conn.PendingSeq = p.Seq
		return d.sendInjection(conn, head)
	}
	return d.forwardToBackend(conn, p.Payload, p.Seq)
}

// sendInjection queues an injection's bytes to the backend as the command
// currently in flight.
func (d *Driver) sendInjection(conn *session.Connection, q inject.Query) error {
	conn.InjectionInFlight = &q
	conn.Script.QStat.StartedAt = time.Now()
	conn.Script.QStat.Rows = 0
	conn.Script.QStat.Bytes = 0
	conn.Backend.QueueSend(wire.Packet{Seq: 0, Payload: q.Bytes})
	conn.State = session.StateSendQuery
	return nil
}

// forwardToBackend queues a raw client command packet to the backend
// unchanged — the policy default, and the bypass-list path.
func (d *Driver) forwardToBackend(conn *session.Connection, payload []byte, seq byte) error {
	if conn.Backend == nil {
		conn.State = session.StateReadQuery
		return nil
	}
	conn.Backend.QueueSend(wire.Packet{Seq: seq, Payload: payload})
	conn.State = session.StateSendQuery
	return nil
}

// sendScriptResult materializes a script's SEND_RESULT response into client
// packets, bypassing the backend entirely. The master personality's lazy
// iterator contract (spec.md §4.9) is handled by runMasterSendResult
// instead of script.Materialize when the script populated one.
func (d *Driver) sendScriptResult(conn *session.Connection, resp script.Response) error {
	conn.Script.SentResultSet = true
	conn.Script.QStat.FinishedAt = time.Now()

	if resp.Iterator != nil {
		conn.Iterator = resp.Iterator
		return d.runMasterSendResult(conn)
	}

	for _, pkt := range script.Materialize(resp, nextSeq(conn)) {
		conn.Client.QueueSend(pkt)
	}
	conn.NextAfterQueryResult = session.StateReadQuery
	conn.State = session.StateSendQueryResult
	return nil
}

// runMasterSendResult drains conn.Iterator — the master personality's lazy
// packet-synthesis contract (spec.md §4.9) — queuing one framed payload per
// call with increasing sequence ids until the sentinel (ok=false). A
// mid-stream error (spec.md §9's Open Question) flushes whatever is
// already queued and closes the client without a trailing ERR: the client
// may already be partway through a result set, where a synthesized ERR is
// not a well-formed continuation.
func (d *Driver) runMasterSendResult(conn *session.Connection) error {
	seq := nextSeq(conn)
	failed := false
	for {
		payload, ok, err := conn.Iterator()
		if err != nil {
			failed = true
			break
		}
		if !ok {
			break
		}
		conn.Client.QueueSend(wire.Packet{Seq: seq, Payload: payload})
		seq++
	}
	conn.Iterator = nil
	if failed {
		conn.NextAfterQueryResult = session.StateCloseClient
	} else {
		conn.NextAfterQueryResult = session.StateReadQuery
	}
	conn.State = session.StateSendQueryResult
	return nil
}

// sendQuery implements SEND_QUERY: flush whatever readQuery or the
// injection-completion path queued for the backend (the client's command,
// an injection, or the client's command resumed after its injections
// drained).
func (d *Driver) sendQuery(conn *session.Connection) error {
	if err := conn.Backend.Flush(); err != nil {
		return errf("flushing query to backend: %w", err)
	}
	conn.State = session.StateReadQueryResult
	return nil
}

// readQueryResult implements READ_QUERY_RESULT: read one packet from the
// backend, classify it, and either keep collecting (more packets belong to
// the same result) or hand the completed result to completeResult for
// disposition.
func (d *Driver) readQueryResult(conn *session.Connection) error {
	p, err := conn.Backend.ReadPacket(context.Background())
	if err != nil {
		return errf("reading backend result: %w", err)
	}

	if conn.Opcode == wire.ComBinlogDump {
		// Never completes on its own; relay every event as it arrives.
		conn.Client.QueueSend(wire.Packet{Seq: p.Seq, Payload: p.Payload})
		conn.NextAfterQueryResult = session.StateReadQueryResult
		conn.State = session.StateSendQueryResult
		return nil
	}

	conn.ResultBuffer = append(conn.ResultBuffer, p)
	conn.Script.QStat.Bytes += int64(len(p.Payload))

	complete, moreResults := classifyResultPacket(conn, p.Payload)
	if !complete {
		conn.State = session.StateReadQueryResult
		return nil
	}
	if moreResults {
		conn.QueryEOFCount = 0
		conn.State = session.StateReadQueryResult
		return nil
	}

	conn.Script.QStat.FinishedAt = time.Now()
	return d.completeResult(conn)
}

// classifyResultPacket updates the connection's EOF counter and reports
// whether the result just became complete, and — if so — whether the
// server signaled another result set follows (a multi-statement command).
func classifyResultPacket(conn *session.Connection, payload []byte) (complete, moreResults bool) {
	switch {
	case len(payload) > 0 && payload[0] == wire.OKHeader:
		flags := wire.StatusFlagsOf(payload)
		return true, flags&wire.StatusMoreResultsExist != 0
	case len(payload) > 0 && payload[0] == wire.ErrHeader:
		return true, false
	case wire.IsEOFPacket(payload):
		conn.QueryEOFCount++
		if conn.QueryEOFCount < 2 {
			return false, false
		}
		flags := wire.StatusFlagsOf(payload)
		return true, flags&wire.StatusMoreResultsExist != 0
	default:
		// Column count, a column definition, or (once the first EOF has
		// passed) a row payload.
		if conn.QueryEOFCount >= 1 {
			conn.Script.QStat.Rows++
		}
		return false, false
	}
}

// completeResult disposes of a completed result: if it belongs to an
// in-flight injection, apply its Suppress/Forward disposition and consult
// the script host for what happens next (more injections, or finally the
// client's deferred command); otherwise forward it to the client, subject
// to the script's read_query_result verdict.
func (d *Driver) completeResult(conn *session.Connection) error {
	buffered := conn.ResultBuffer
	conn.ResultBuffer = nil
	conn.QueryEOFCount = 0

	if conn.InjectionInFlight != nil {
		return d.completeInjectionResult(conn, buffered)
	}
	return d.completeClientResult(conn, buffered)
}

func (d *Driver) completeInjectionResult(conn *session.Connection, buffered []wire.Packet) error {
	injected, _ := conn.Script.Injections.Pop()
	conn.InjectionInFlight = nil

	stats := inject.Stats{
		Rows:           conn.Script.QStat.Rows,
		Bytes:          conn.Script.QStat.Bytes,
		QueryStartedAt: conn.Script.QStat.StartedAt,
		FirstPacketAt:  conn.Script.QStat.StartedAt,
		LastPacketAt:   conn.Script.QStat.FinishedAt,
	}
	if injected.Disposition == inject.Forward && !conn.Script.SentResultSet {
		d.queueBuffered(conn, buffered)
		conn.Script.SentResultSet = true
	}

	req := script.Request{
		Hook:           "read_query_result",
		IsInjection:    true,
		InjectionStats: stats,
		BackendIndex:   conn.BackendIndex,
	}
	var resp script.Response
	verdict := script.NoDecision
	if conn.Host != nil {
		verdict = conn.Host.ReadQueryResult(req, &conn.Script.Injections, &resp)
	}

	if verdict == script.SendResult {
		return d.sendScriptResult(conn, resp)
	}
	if head, ok := conn.Script.Injections.Head(); ok {
		return d.sendInjection(conn, head)
	}

	// No injections remain: resume the client's own deferred command.
	payload, seq := conn.PendingQuery, conn.PendingSeq
	conn.PendingQuery = nil
	return d.forwardToBackend(conn, payload, seq)
}

func (d *Driver) completeClientResult(conn *session.Connection, buffered []wire.Packet) error {
	req := script.Request{Hook: "read_query_result", BackendIndex: conn.BackendIndex}
	var resp script.Response
	verdict := script.NoDecision
	if conn.Host != nil {
		verdict = conn.Host.ReadQueryResult(req, &conn.Script.Injections, &resp)
	}

	switch verdict {
	case script.SendResult:
		return d.sendScriptResult(conn, resp)
	case script.IgnoreResult:
		// Drop the backend's packets silently; the guard keeps a later
		// result set from this same command from being sent twice.
		conn.NextAfterQueryResult = session.StateReadQuery
		conn.State = session.StateSendQueryResult
		return nil
	default:
		if !conn.Script.SentResultSet {
			d.queueBuffered(conn, buffered)
			conn.Script.SentResultSet = true
		}
		conn.NextAfterQueryResult = session.StateReadQuery
		conn.State = session.StateSendQueryResult
		return nil
	}
}

func (d *Driver) queueBuffered(conn *session.Connection, buffered []wire.Packet) {
	for _, pkt := range buffered {
		conn.Client.QueueSend(pkt)
	}
}

// sendQueryResult implements SEND_QUERY_RESULT: flush whatever
// completeResult or readQueryResult queued for the client, then move to the
// state they decided on — another READ_QUERY_RESULT round (a streaming
// BINLOG_DUMP event), CLOSE_CLIENT (a master iterator that failed
// mid-stream), or back to READ_QUERY for the connection's next command.
func (d *Driver) sendQueryResult(conn *session.Connection) error {
	if err := conn.Client.Flush(); err != nil {
		return errf("flushing result to client: %w", err)
	}
	conn.State = conn.NextAfterQueryResult
	return nil
}
