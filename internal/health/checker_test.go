package health

import (
	"net"
	"testing"
	"time"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/config"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

var testHealthCfg = config.HealthCheckConfig{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 500 * time.Millisecond,
}

func newTestRegistry(addrs ...string) *backend.Registry {
	roles := make([]backend.Role, len(addrs))
	for i := range roles {
		roles[i] = backend.RoleReadWrite
	}
	return backend.New(addrs, roles)
}

func TestCheckerMarksBackendDownAfterThreshold(t *testing.T) {
	reg := newTestRegistry("127.0.0.1:1") // nothing listens on port 1
	c := NewChecker(reg, nil, testHealthCfg)

	c.checkAll()
	c.checkAll()
	b, _ := reg.ByIndex(0)
	if b.State == backend.StateDown {
		t.Fatalf("should not be down before threshold (failures so far: 2)")
	}

	c.checkAll()
	b, _ = reg.ByIndex(0)
	if b.State != backend.StateDown {
		t.Errorf("expected StateDown after %d consecutive failures, got %v", testHealthCfg.FailureThreshold, b.State)
	}
}

func TestCheckerMarksBackendUpOnSuccess(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go serveOneHandshake(listener)

	reg := newTestRegistry(listener.Addr().String())
	c := NewChecker(reg, nil, testHealthCfg)

	c.checkAll()
	b, _ := reg.ByIndex(0)
	if b.State != backend.StateUp {
		t.Errorf("expected StateUp, got %v", b.State)
	}
}

func TestCheckerRecoversAfterFailures(t *testing.T) {
	// Reserve a free port, then close it so the first checks are refused.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	reg := newTestRegistry(addr)
	c := NewChecker(reg, nil, testHealthCfg)

	c.checkAll()
	c.checkAll()
	c.checkAll()
	if b, _ := reg.ByIndex(0); b.State != backend.StateDown {
		t.Fatalf("expected StateDown after 3 failures")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("re-listen on %s: %v", addr, err)
	}
	defer listener.Close()
	go serveOneHandshake(listener)

	c.checkAll()
	if b, _ := reg.ByIndex(0); b.State != backend.StateUp {
		t.Errorf("expected recovery to StateUp")
	}
}

func TestCheckAllIsConcurrentAcrossBackends(t *testing.T) {
	reg := newTestRegistry("127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3")
	c := NewChecker(reg, nil, testHealthCfg)

	c.checkAll()

	for _, b := range reg.List() {
		if c.failures[b.Index] != 1 {
			t.Errorf("backend %d never checked", b.Index)
		}
	}
}

func TestPingMySQLRejectsErrPacket(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		e := wire.Err{Code: 1040, SQLState: "08004", Message: "too many connections"}
		wire.WritePacket(conn, e.Encode(), 0)
	}()

	if err := pingMySQL(listener.Addr().String(), 500*time.Millisecond); err == nil {
		t.Error("expected pingMySQL to fail on an ERR packet")
	}
}

func TestPingMySQLFailsOnClosedPort(t *testing.T) {
	if err := pingMySQL("127.0.0.1:1", 200*time.Millisecond); err == nil {
		t.Error("expected pingMySQL to fail against a closed port")
	}
}

func TestDoubleStop(t *testing.T) {
	reg := newTestRegistry("127.0.0.1:1")
	c := NewChecker(reg, nil, testHealthCfg)
	c.Start()

	c.Stop()
	c.Stop()
}

// serveOneHandshake writes a minimal, well-formed handshake payload to the
// first connection accepted, enough for pingMySQL to treat it as alive.
func serveOneHandshake(l net.Listener) {
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	payload := append([]byte{10}, []byte("5.5.8-test\x00")...)
	wire.WritePacket(conn, payload, 0)
}
