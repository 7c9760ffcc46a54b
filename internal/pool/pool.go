// Package pool manages idle, already-authenticated backend endpoints so a
// new client connection can skip the handshake/auth round trip when an
// endpoint for the same (backend, user, default database) key is already
// sitting idle. Mirrors the teacher's TenantPool — a cond-guarded idle LIFO
// with a total/active count enforcing a max — generalized from per-tenant
// pools to per-backend-key pools, and from a single dbType switch to the
// one MySQL authentication dance this domain needs.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sqlmediator/sqlmediator/internal/endpoint"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

// Key identifies a class of interchangeable idle endpoints: same backend,
// same authenticated user, same default database. An endpoint authenticated
// for one key cannot be handed out for another without re-authenticating
// (see Reauthenticate).
type Key struct {
	BackendIndex int
	User         string
	DefaultDB    string
}

func (k Key) String() string {
	return fmt.Sprintf("backend=%d user=%s db=%s", k.BackendIndex, k.User, k.DefaultDB)
}

// Dialer opens a raw connection to a backend address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Credentials resolves the password to present for a given user, so the
// pool can authenticate on the caller's behalf without the caller handing
// over a net.Conn to drive the handshake itself.
type Credentials func(user string) (password string, ok bool)

// Stats describes one backend-key pool's occupancy.
type Stats struct {
	Key       Key
	Idle      int
	Active    int
	Total     int
	Waiting   int
	Exhausted int64
}

// keyPool is the idle LIFO + accounting for a single Key, modeled on
// TenantPool: sync.Cond-guarded wait for Acquire, Signal (not Broadcast) on
// Return to avoid a thundering herd.
type keyPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	key Key

	idle      []*endpoint.Endpoint
	active    map[*endpoint.Endpoint]struct{}
	total     int
	waiting   int
	exhausted int64

	maxConns    int
	idleTimeout time.Duration
	closed      bool
}

func newKeyPool(key Key, maxConns int, idleTimeout time.Duration) *keyPool {
	kp := &keyPool{
		key:         key,
		active:      make(map[*endpoint.Endpoint]struct{}),
		maxConns:    maxConns,
		idleTimeout: idleTimeout,
	}
	kp.cond = sync.NewCond(&kp.mu)
	return kp
}

// Pool manages one keyPool per backend-key, dialing and authenticating new
// endpoints lazily, same shape as the teacher's Manager over TenantPool.
type Pool struct {
	mu          sync.Mutex
	pools       map[Key]*keyPool
	idleAt      map[*endpoint.Endpoint]time.Time
	idleMu      sync.Mutex
	dial        Dialer
	maxPerKey   int
	idleTimeout time.Duration
	acquireTO   time.Duration
}

// New builds a Pool. dial opens raw TCP connections; maxPerKey bounds
// concurrent endpoints per (backend, user, db); idleTimeout and
// acquireTimeout mirror the teacher's pool defaults.
func New(dial Dialer, maxPerKey int, idleTimeout, acquireTimeout time.Duration) *Pool {
	return &Pool{
		pools:       make(map[Key]*keyPool),
		idleAt:      make(map[*endpoint.Endpoint]time.Time),
		dial:        dial,
		maxPerKey:   maxPerKey,
		idleTimeout: idleTimeout,
		acquireTO:   acquireTimeout,
	}
}

func (p *Pool) poolFor(key Key) *keyPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.pools[key]
	if !ok {
		kp = newKeyPool(key, p.maxPerKey, p.idleTimeout)
		p.pools[key] = kp
	}
	return kp
}

// Acquire returns an idle, already-authenticated endpoint for key if one
// exists; otherwise it dials addr and authenticates a new one. The caller
// is responsible for calling Return, or Discard for an endpoint that is no
// longer usable, when done; closing the endpoint directly leaves it counted
// against the key's maximum.
func (p *Pool) Acquire(ctx context.Context, key Key, addr, password string) (*endpoint.Endpoint, error) {
	kp := p.poolFor(key)

	deadline := time.Now().Add(p.acquireTO)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	kp.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			kp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if kp.closed {
			kp.mu.Unlock()
			return nil, fmt.Errorf("pool: closed for %s", key)
		}

		for len(kp.idle) > 0 {
			ep := kp.idle[len(kp.idle)-1]
			kp.idle = kp.idle[:len(kp.idle)-1]
			p.idleMu.Lock()
			delete(p.idleAt, ep)
			p.idleMu.Unlock()
			kp.active[ep] = struct{}{}
			kp.mu.Unlock()
			return ep, nil
		}

		if kp.total < kp.maxConns {
			kp.total++
			kp.mu.Unlock()

			ep, err := p.dialAndAuthenticate(ctx, addr, key.User, password, key.DefaultDB)
			if err != nil {
				kp.mu.Lock()
				kp.total--
				kp.mu.Unlock()
				return nil, fmt.Errorf("pool: dial+auth %s: %w", key, err)
			}
			kp.mu.Lock()
			kp.active[ep] = struct{}{}
			kp.mu.Unlock()
			return ep, nil
		}

		kp.waiting++
		kp.exhausted++
		remaining := time.Until(deadline)
		if remaining <= 0 {
			kp.waiting--
			kp.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire timeout for %s", key)
		}
		timer := time.AfterFunc(remaining, func() { kp.cond.Broadcast() })
		kp.cond.Wait()
		timer.Stop()
		kp.waiting--
		if kp.closed {
			kp.mu.Unlock()
			return nil, fmt.Errorf("pool: closed while waiting for %s", key)
		}
	}
}

// Return releases an endpoint back to the pool for key. A caller that
// knows the endpoint is no longer usable (protocol error, closed
// connection) should call Discard instead.
func (p *Pool) Return(key Key, ep *endpoint.Endpoint) {
	kp := p.poolFor(key)
	kp.mu.Lock()
	defer kp.mu.Unlock()

	delete(kp.active, ep)
	if kp.closed {
		ep.Close()
		kp.total--
		kp.cond.Signal()
		return
	}
	kp.idle = append(kp.idle, ep)
	p.idleMu.Lock()
	p.idleAt[ep] = time.Now()
	p.idleMu.Unlock()
	kp.cond.Signal()
}

// Discard removes an endpoint from the pool's accounting and closes it,
// without returning it to the idle list.
func (p *Pool) Discard(key Key, ep *endpoint.Endpoint) {
	kp := p.poolFor(key)
	kp.mu.Lock()
	delete(kp.active, ep)
	kp.total--
	kp.mu.Unlock()
	ep.Close()
}

// Stats returns occupancy for every backend-key pool seen so far.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	keys := make([]*keyPool, 0, len(p.pools))
	for _, kp := range p.pools {
		keys = append(keys, kp)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(keys))
	for _, kp := range keys {
		kp.mu.Lock()
		out = append(out, Stats{
			Key:       kp.key,
			Idle:      len(kp.idle),
			Active:    len(kp.active),
			Total:     kp.total,
			Waiting:   kp.waiting,
			Exhausted: kp.exhausted,
		})
		kp.mu.Unlock()
	}
	return out
}

// Close drains and closes every backend-key pool. Safe to call once.
func (p *Pool) Close() {
	p.mu.Lock()
	pools := p.pools
	p.mu.Unlock()

	for _, kp := range pools {
		kp.mu.Lock()
		kp.closed = true
		for _, ep := range kp.idle {
			ep.Close()
			kp.total--
		}
		kp.idle = nil
		kp.cond.Broadcast()
		kp.mu.Unlock()
	}
}

// dialAndAuthenticate opens a TCP connection to addr and drives the
// Protocol::HandshakeV10 / HandshakeResponse41 dance using
// mysql_native_password, the same sequence the teacher's authenticateMySQL
// performs, reconstructed here on top of internal/wire instead of hand
// re-parsed bytes.
func (p *Pool) dialAndAuthenticate(ctx context.Context, addr, user, password, defaultDB string) (*endpoint.Endpoint, error) {
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	ep := endpoint.New(conn)

	payload, _, err := wire.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading backend handshake: %w", err)
	}
	if len(payload) > 0 && payload[0] == 0xff {
		conn.Close()
		return nil, fmt.Errorf("backend sent error on connect")
	}
	hs, err := wire.DecodeHandshake(payload)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding backend handshake: %w", err)
	}
	hs.ScrubCompressSSL()
	ep.Challenge = &hs

	resp := wire.AuthResponse{
		Capabilities:   wire.CapLongPassword | wire.CapProtocol41 | wire.CapSecureConnection | wire.CapPluginAuth | wire.CapConnectWithDB,
		MaxPacketSize:  wire.MaxPacketSize,
		Charset:        0x21,
		Username:       user,
		AuthResponse:   wire.ScramblePassword(password, hs.AuthPluginData),
		Database:       defaultDB,
		AuthPluginName: "mysql_native_password",
	}
	if err := wire.WritePacket(conn, resp.Encode(), 1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending handshake response: %w", err)
	}
	ep.Response = &resp

	payload, _, err = wire.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading auth result: %w", err)
	}
	if len(payload) == 0 {
		conn.Close()
		return nil, fmt.Errorf("empty auth result")
	}

	switch payload[0] {
	case 0x00:
		ep.SetAuthed(true)
		ep.SetDefaultDB(defaultDB)
		ep.SetBackendUser(user)
		return ep, nil
	case 0xfe:
		asr, _ := wire.DecodeAuthSwitchRequest(payload)
		if asr.PluginName != "mysql_native_password" {
			conn.Close()
			return nil, fmt.Errorf("unsupported auth plugin switch: %s", asr.PluginName)
		}
		switchResp := wire.ScramblePassword(password, asr.PluginData)
		if err := wire.WritePacket(conn, switchResp, 3); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sending auth switch response: %w", err)
		}
		payload, _, err = wire.ReadPacket(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading auth switch result: %w", err)
		}
		if len(payload) == 0 || payload[0] != 0x00 {
			conn.Close()
			return nil, fmt.Errorf("backend auth failed after plugin switch")
		}
		ep.SetAuthed(true)
		ep.SetDefaultDB(defaultDB)
		ep.SetBackendUser(user)
		return ep, nil
	case 0xff:
		e, _ := wire.DecodeErr(payload)
		conn.Close()
		return nil, fmt.Errorf("backend auth failed: %s", e.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected auth response byte: 0x%02x", payload[0])
	}
}

// TryTakeIdle looks for any idle endpoint belonging to backendIndex,
// regardless of which (user, default-db) it was last authenticated for,
// and detaches it without dialing. This is the CONNECT_SERVER pool lookup
// of spec.md §4.6: at that point in the proxy flow the client has not yet
// sent its auth packet, so there is no (user, db) to match against — any
// idle, already-authenticated endpoint for the backend is a valid reuse
// candidate, with the auth hand-off in §4.5 deciding afterwards whether a
// COM_CHANGE_USER is required. Returns ok=false if nothing is idle for
// this backend.
func (p *Pool) TryTakeIdle(backendIndex int) (*endpoint.Endpoint, Key, bool) {
	p.mu.Lock()
	candidates := make([]*keyPool, 0)
	for k, kp := range p.pools {
		if k.BackendIndex == backendIndex {
			candidates = append(candidates, kp)
		}
	}
	p.mu.Unlock()

	for _, kp := range candidates {
		kp.mu.Lock()
		if len(kp.idle) == 0 {
			kp.mu.Unlock()
			continue
		}
		ep := kp.idle[len(kp.idle)-1]
		kp.idle = kp.idle[:len(kp.idle)-1]
		kp.active[ep] = struct{}{}
		key := kp.key
		kp.mu.Unlock()

		p.idleMu.Lock()
		delete(p.idleAt, ep)
		p.idleMu.Unlock()
		return ep, key, true
	}
	return nil, Key{}, false
}

// DialRaw opens a TCP connection to addr and reads (but does not respond
// to) the backend's Protocol::HandshakeV10, for the proxy's "relay the
// real handshake" path: the client's eventual auth response is validated
// by the backend itself, so no password needs to be known yet.
func (p *Pool) DialRaw(ctx context.Context, addr string) (*endpoint.Endpoint, error) {
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s: %w", addr, err)
	}
	ep := endpoint.New(conn)

	payload, _, err := wire.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pool: reading backend handshake: %w", err)
	}
	if len(payload) > 0 && payload[0] == 0xff {
		conn.Close()
		return nil, fmt.Errorf("pool: backend sent error on connect")
	}
	hs, err := wire.DecodeHandshake(payload)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pool: decoding backend handshake: %w", err)
	}
	hs.ScrubCompressSSL()
	ep.Challenge = &hs
	return ep, nil
}

// Reauthenticate switches an already-pooled, already-authenticated endpoint
// to a new (user, password, default-db) identity by synthesizing a
// COM_CHANGE_USER command, per spec.md's pool-reuse-with-reauthentication
// path. On success the endpoint's cached identity is updated in place; on
// failure the endpoint is left unusable and the caller should Discard it.
func Reauthenticate(ep *endpoint.Endpoint, user, password, defaultDB string, scramble []byte) error {
	conn := ep.Conn()

	var body []byte
	body = append(body, wire.ComChangeUser)
	body = append(body, []byte(user)...)
	body = append(body, 0)
	authResp := wire.ScramblePassword(password, scramble)
	body = append(body, byte(len(authResp)))
	body = append(body, authResp...)
	body = append(body, []byte(defaultDB)...)
	body = append(body, 0)

	if err := wire.WritePacket(conn, body, 0); err != nil {
		return fmt.Errorf("pool: sending COM_CHANGE_USER: %w", err)
	}

	payload, _, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("pool: reading COM_CHANGE_USER result: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("pool: empty COM_CHANGE_USER result")
	}
	switch payload[0] {
	case 0x00:
		ep.SetDefaultDB(defaultDB)
		ep.SetBackendUser(user)
		ep.Response = &wire.AuthResponse{Username: user, AuthResponse: authResp, Database: defaultDB}
		return nil
	case 0xff:
		e, _ := wire.DecodeErr(payload)
		return fmt.Errorf("pool: COM_CHANGE_USER rejected: %s", e.Message)
	default:
		return fmt.Errorf("pool: unexpected COM_CHANGE_USER response byte 0x%02x", payload[0])
	}
}

// reapIdle is exercised by a caller-driven ticker (see internal/listener),
// evicting every idle endpoint that has been idle longer than idleTimeout,
// one key at a time; endpoints idle for less than that stay in the list.
func (p *Pool) reapIdle(kp *keyPool) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if len(kp.idle) == 0 {
		return
	}
	kept := make([]*endpoint.Endpoint, 0, len(kp.idle))
	now := time.Now()
	for _, ep := range kp.idle {
		p.idleMu.Lock()
		since, ok := p.idleAt[ep]
		p.idleMu.Unlock()
		if ok && now.Sub(since) > kp.idleTimeout {
			ep.Close()
			kp.total--
			p.idleMu.Lock()
			delete(p.idleAt, ep)
			p.idleMu.Unlock()
			continue
		}
		kept = append(kept, ep)
	}
	kp.idle = kept
}

// ReapAll runs reapIdle over every known backend-key pool. Intended to be
// invoked periodically from a ticker owned by the listener, mirroring the
// teacher's per-pool reapLoop goroutine but centralized so the caller
// controls the goroutine lifecycle.
func (p *Pool) ReapAll() {
	p.mu.Lock()
	pools := make([]*keyPool, 0, len(p.pools))
	for _, kp := range p.pools {
		pools = append(pools, kp)
	}
	p.mu.Unlock()

	for _, kp := range pools {
		p.reapIdle(kp)
	}
}
