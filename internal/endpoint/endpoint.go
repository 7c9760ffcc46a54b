// Package endpoint wraps one side of a mediated connection — client-facing
// or backend-facing — with the framing queues and protocol metadata spec.md
// §3 assigns to a "socket endpoint": an ordered receive queue, an ordered
// send queue, the last parsed sequence id, a cached challenge/response, the
// authentication flag, and the session's default database.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sqlmediator/sqlmediator/internal/wire"
)

// Queue is an ordered, unbounded list of framed packets. A read appends
// whole packets only; a partial frame is never observable here — framing
// happens in Endpoint.ReadPacket before a packet is queued. Mirrors
// spec.md §4.2's append/pop_front/peek_tail/length operations. There is no
// reset_seq: the queue does not number packets, each caller sets every
// packet's sequence id itself.
type Queue struct {
	mu      sync.Mutex
	packets []wire.Packet
}

// Append adds a packet to the tail of the queue.
func (q *Queue) Append(p wire.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.packets = append(q.packets, p)
}

// PopFront removes and returns the head packet, or ok=false if empty.
func (q *Queue) PopFront() (wire.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return wire.Packet{}, false
	}
	p := q.packets[0]
	q.packets = q.packets[1:]
	return p, true
}

// PeekTail returns the last packet without removing it, or ok=false if empty.
func (q *Queue) PeekTail() (wire.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return wire.Packet{}, false
	}
	return q.packets[len(q.packets)-1], true
}

// Len returns the number of packets currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Endpoint wraps one side (client or backend) of a mediated session.
type Endpoint struct {
	conn net.Conn
	addr string

	Recv Queue
	Send Queue

	lastSeq byte

	Challenge *wire.Handshake    // server's handshake, cached after parsing
	Response  *wire.AuthResponse // client's auth reply, cached after parsing

	mu          sync.Mutex
	isAuthed    bool
	defaultDB   string
	backendUser string
}

// New wraps conn as an Endpoint.
func New(conn net.Conn) *Endpoint {
	addr := ""
	if conn != nil {
		addr = conn.RemoteAddr().String()
	}
	return &Endpoint{conn: conn, addr: addr}
}

// Conn returns the underlying connection.
func (e *Endpoint) Conn() net.Conn { return e.conn }

// Addr returns the endpoint's remote address.
func (e *Endpoint) Addr() string { return e.addr }

// ReadPacket blocks until one full framed packet is available on the
// underlying connection, then appends it to Recv and returns it. This is
// the suspension point spec.md §4.2/§5 describes: the calling goroutine
// parks in the network read until a complete frame exists.
func (e *Endpoint) ReadPacket(ctx context.Context) (wire.Packet, error) {
	if ctx != nil {
		if dl, ok := ctx.Deadline(); ok {
			_ = e.conn.SetReadDeadline(dl)
		}
	}
	payload, seq, err := wire.ReadPacket(e.conn)
	if err != nil {
		return wire.Packet{}, err
	}
	e.lastSeq = seq
	p := wire.Packet{Seq: seq, Payload: payload}
	e.Recv.Append(p)
	return p, nil
}

// QueueSend appends a packet to the send queue without writing it yet.
func (e *Endpoint) QueueSend(p wire.Packet) {
	e.Send.Append(p)
}

// Flush drains the send queue to the wire, in order, never reordering.
func (e *Endpoint) Flush() error {
	for {
		p, ok := e.Send.PopFront()
		if !ok {
			return nil
		}
		if err := wire.WritePacket(e.conn, p.Payload, p.Seq); err != nil {
			return fmt.Errorf("endpoint: flush to %s: %w", e.addr, err)
		}
	}
}

// WriteNow frames and writes payload immediately, bypassing the send queue.
// Used for small synchronous replies (OK/ERR) where queueing would just add
// a redundant round trip.
func (e *Endpoint) WriteNow(payload []byte, seq byte) error {
	if err := wire.WritePacket(e.conn, payload, seq); err != nil {
		return fmt.Errorf("endpoint: write to %s: %w", e.addr, err)
	}
	return nil
}

// LastSeq returns the sequence id of the most recently read packet.
func (e *Endpoint) LastSeq() byte { return e.lastSeq }

// SetAuthed marks whether this endpoint has completed authentication.
func (e *Endpoint) SetAuthed(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isAuthed = v
}

// IsAuthed reports whether this endpoint has completed authentication.
func (e *Endpoint) IsAuthed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isAuthed
}

// SetDefaultDB records the session's default database.
func (e *Endpoint) SetDefaultDB(db string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultDB = db
}

// DefaultDB returns the session's default database.
func (e *Endpoint) DefaultDB() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defaultDB
}

// SetBackendUser records which MySQL user this backend endpoint is
// currently authenticated as, so the pool can decide whether a reuse
// requires a COM_CHANGE_USER or a plain credential comparison.
func (e *Endpoint) SetBackendUser(user string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backendUser = user
}

// BackendUser returns the MySQL user this backend endpoint last
// authenticated as.
func (e *Endpoint) BackendUser() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backendUser
}

// Close closes the underlying connection.
func (e *Endpoint) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}
