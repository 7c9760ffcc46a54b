package driver

import (
	"net"
	"testing"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/endpoint"
	"github.com/sqlmediator/sqlmediator/internal/pool"
	"github.com/sqlmediator/sqlmediator/internal/script"
	"github.com/sqlmediator/sqlmediator/internal/session"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

func newTestDriver() *Driver {
	reg := backend.New(nil, nil)
	p := pool.New(nil, 10, 0, 0)
	return New(reg, p, nil, "5.5.8-test")
}

func TestReadHandshakeScrubsCompressAndSSL(t *testing.T) {
	d := newTestDriver()
	client, backendSide := net.Pipe()
	defer client.Close()
	defer backendSide.Close()

	conn := session.New(session.Proxy, endpoint.New(nil), nil, nil, nil)
	conn.Backend = endpoint.New(backendSide)

	hs, err := wire.NewChallenge("5.5.8-real", 7)
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	hs.Capabilities |= wire.CapCompress | wire.CapSSL
	done := make(chan error, 1)
	go func() { done <- wire.WritePacket(client, hs.Encode(), 0) }()

	if err := d.readHandshake(conn); err != nil {
		t.Fatalf("readHandshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	if conn.Backend.Challenge == nil {
		t.Fatal("expected a cached challenge on the backend endpoint")
	}
	if conn.Backend.Challenge.Capabilities&wire.CapCompress != 0 {
		t.Error("expected CapCompress scrubbed")
	}
	if conn.Backend.Challenge.Capabilities&wire.CapSSL != 0 {
		t.Error("expected CapSSL scrubbed")
	}
	if conn.State != session.StateSendHandshake {
		t.Errorf("state = %v, want StateSendHandshake", conn.State)
	}
}

func TestSendHandshakeRepeatsBackendChallenge(t *testing.T) {
	d := newTestDriver()
	clientConn, clientSide := net.Pipe()
	defer clientConn.Close()
	defer clientSide.Close()

	conn := session.New(session.Proxy, endpoint.New(clientSide), nil, nil, nil)
	hs, _ := wire.NewChallenge("5.5.8-real", 3)
	conn.Backend = endpoint.New(nil)
	conn.Backend.Challenge = &hs

	go func() { d.sendHandshake(conn) }()

	payload, _, err := wire.ReadPacket(clientConn)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	got, err := wire.DecodeHandshake(payload)
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if got.ConnectionID != hs.ConnectionID {
		t.Errorf("connection id = %d, want %d", got.ConnectionID, hs.ConnectionID)
	}
}

func TestSendHandshakeSynthesizesFreshChallengeWithoutBackend(t *testing.T) {
	d := newTestDriver()
	clientConn, clientSide := net.Pipe()
	defer clientConn.Close()
	defer clientSide.Close()

	conn := session.New(session.Master, endpoint.New(clientSide), nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- d.sendHandshake(conn) }()

	payload, _, err := wire.ReadPacket(clientConn)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if _, err := wire.DecodeHandshake(payload); err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("sendHandshake: %v", err)
	}
	if conn.Client.Challenge == nil {
		t.Error("expected a synthesized challenge cached on the client endpoint")
	}
	if conn.State != session.StateReadAuth {
		t.Errorf("state = %v, want StateReadAuth", conn.State)
	}
}

func TestAuthWithoutBackendMasterRejectsWrongPassword(t *testing.T) {
	d := newTestDriver()
	conn := session.New(session.Master, endpoint.New(nil), nil, nil, nil)
	hs, _ := wire.NewChallenge("5.5.8-test", 1)
	conn.Client.Challenge = &hs
	conn.MasterUser = "admin"
	conn.MasterPassword = "correct-horse"

	resp := wire.AuthResponse{
		Username:     "admin",
		AuthResponse: wire.ScramblePassword("wrong-password", hs.AuthPluginData),
	}
	if err := d.authWithoutBackend(conn, resp); err != nil {
		t.Fatalf("authWithoutBackend: %v", err)
	}
	if !conn.Script.ConnectionClose {
		t.Error("expected ConnectionClose after a wrong master password")
	}
	pkt, ok := conn.Client.Send.PopFront()
	if !ok {
		t.Fatal("expected an ERR packet queued for the client")
	}
	if pkt.Payload[0] != wire.ErrHeader {
		t.Errorf("expected an ERR packet, got header byte %#x", pkt.Payload[0])
	}
}

func TestAuthWithoutBackendMasterAcceptsCorrectPasswordAndSetsBuiltinUser(t *testing.T) {
	d := newTestDriver()
	conn := session.New(session.Master, endpoint.New(nil), nil, nil, nil)
	hs, _ := wire.NewChallenge("5.5.8-test", 1)
	conn.Client.Challenge = &hs
	conn.MasterUser = "admin"
	conn.MasterPassword = "correct-horse"
	builtin := &script.BuiltinHost{}
	conn.Host = builtin

	resp := wire.AuthResponse{
		Username:     "admin",
		AuthResponse: wire.ScramblePassword("correct-horse", hs.AuthPluginData),
	}
	if err := d.authWithoutBackend(conn, resp); err != nil {
		t.Fatalf("authWithoutBackend: %v", err)
	}
	if conn.Script.ConnectionClose {
		t.Error("did not expect ConnectionClose on a correct master password")
	}
	if builtin.User != "admin" {
		t.Errorf("builtin.User = %q, want admin", builtin.User)
	}
	pkt, ok := conn.Client.Send.PopFront()
	if !ok {
		t.Fatal("expected an OK packet queued for the client")
	}
	if pkt.Payload[0] != wire.OKHeader {
		t.Errorf("expected an OK packet, got header byte %#x", pkt.Payload[0])
	}
}

func TestAuthWithoutBackendAcceptsAnyClientWhenNoMasterUserConfigured(t *testing.T) {
	d := newTestDriver()
	conn := session.New(session.Master, endpoint.New(nil), nil, nil, nil)

	resp := wire.AuthResponse{Username: "whoever"}
	if err := d.authWithoutBackend(conn, resp); err != nil {
		t.Fatalf("authWithoutBackend: %v", err)
	}
	if conn.Script.ConnectionClose {
		t.Error("expected any client to be accepted when MasterUser is unset")
	}
}

func TestAuthPooledBackendMatchingCredentialsSucceed(t *testing.T) {
	d := newTestDriver()
	conn := session.New(session.Proxy, endpoint.New(nil), nil, nil, nil)
	conn.Backend = endpoint.New(nil)
	cached := &wire.AuthResponse{Username: "app", AuthResponse: []byte{1, 2, 3}}
	conn.Backend.Response = cached
	conn.Backend.SetDefaultDB("appdb")

	resp := wire.AuthResponse{Username: "app", AuthResponse: []byte{1, 2, 3}, Database: "appdb"}
	if err := d.authPooledBackend(conn, resp); err != nil {
		t.Fatalf("authPooledBackend: %v", err)
	}
	if conn.Script.ConnectionClose {
		t.Error("expected matching cached credentials to succeed")
	}
}

func TestAuthPooledBackendMismatchedCredentialsFail(t *testing.T) {
	d := newTestDriver()
	conn := session.New(session.Proxy, endpoint.New(nil), nil, nil, nil)
	conn.Backend = endpoint.New(nil)
	cached := &wire.AuthResponse{Username: "app", AuthResponse: []byte{1, 2, 3}}
	conn.Backend.Response = cached

	resp := wire.AuthResponse{Username: "app", AuthResponse: []byte{9, 9, 9}}
	if err := d.authPooledBackend(conn, resp); err != nil {
		t.Fatalf("authPooledBackend: %v", err)
	}
	if !conn.Script.ConnectionClose {
		t.Error("expected mismatched scramble to fail auth")
	}
}

func TestChangeUserOnBackendSynthesizesComChangeUser(t *testing.T) {
	d := newTestDriver()
	conn := session.New(session.Proxy, endpoint.New(nil), nil, nil, nil)
	conn.Backend = endpoint.New(nil)
	conn.PoolChangeUser = true

	resp := wire.AuthResponse{Username: "app", AuthResponse: []byte{1, 2}, Database: "appdb"}
	if err := d.changeUserOnBackend(conn, resp); err != nil {
		t.Fatalf("changeUserOnBackend: %v", err)
	}
	pkt, ok := conn.Backend.Send.PopFront()
	if !ok {
		t.Fatal("expected a COM_CHANGE_USER packet queued for the backend")
	}
	if pkt.Payload[0] != wire.ComChangeUser {
		t.Errorf("expected COM_CHANGE_USER opcode, got %#x", pkt.Payload[0])
	}
	if conn.State != session.StateSendAuth {
		t.Errorf("state = %v, want StateSendAuth", conn.State)
	}
}

func TestReadAuthResultRelaysOKAndMarksBackendAuthed(t *testing.T) {
	d := newTestDriver()
	backendConn, backendSide := net.Pipe()
	defer backendConn.Close()
	defer backendSide.Close()

	conn := session.New(session.Proxy, endpoint.New(nil), nil, nil, nil)
	conn.Backend = endpoint.New(backendSide)
	conn.Client.Response = &wire.AuthResponse{Username: "app"}
	conn.Client.SetDefaultDB("appdb")

	okPkt := wire.OK{}
	go func() { wire.WritePacket(backendConn, okPkt.Encode(), 2) }()

	if err := d.readAuthResult(conn); err != nil {
		t.Fatalf("readAuthResult: %v", err)
	}
	if !conn.Backend.IsAuthed() {
		t.Error("expected backend marked authed on OK")
	}
	if conn.Backend.BackendUser() != "app" {
		t.Errorf("BackendUser() = %q, want app", conn.Backend.BackendUser())
	}
	if conn.State != session.StateSendAuthResult {
		t.Errorf("state = %v, want StateSendAuthResult", conn.State)
	}
}

func TestReadAuthResultRelaysErrAndClosesConnection(t *testing.T) {
	d := newTestDriver()
	backendConn, backendSide := net.Pipe()
	defer backendConn.Close()
	defer backendSide.Close()

	conn := session.New(session.Proxy, endpoint.New(nil), nil, nil, nil)
	conn.Backend = endpoint.New(backendSide)
	conn.Client.Response = &wire.AuthResponse{Username: "app"}

	e := wire.NewAuthFailedErr("nope")
	go func() { wire.WritePacket(backendConn, e.Encode(), 2) }()

	if err := d.readAuthResult(conn); err != nil {
		t.Fatalf("readAuthResult: %v", err)
	}
	if !conn.Script.ConnectionClose {
		t.Error("expected ConnectionClose on a backend auth ERR")
	}
}
