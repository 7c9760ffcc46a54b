package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Handshake is a parsed Protocol::HandshakeV10 packet (server → client/pool).
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	AuthPluginData  []byte // 20-byte scramble (part1 ++ part2, trailing nul trimmed)
	Capabilities    uint32
	Charset         byte
	StatusFlags     uint16
	AuthPluginName  string
}

const defaultAuthPlugin = "mysql_native_password"

// NewChallenge builds a fresh Handshake with a random 20-byte scramble, the
// capabilities the mediator advertises to a client it is about to serve
// synthetic auth for (master personality, or a proxy's synthetic handshake
// before a backend has been chosen).
func NewChallenge(serverVersion string, connectionID uint32) (Handshake, error) {
	scramble := make([]byte, 20)
	if _, err := rand.Read(scramble); err != nil {
		return Handshake{}, fmt.Errorf("wire: generating scramble: %w", err)
	}
	// Protocol::HandshakeV10 auth-plugin-data must not contain NUL bytes —
	// they would be mistaken for a null terminator by the client parser.
	for i := range scramble {
		if scramble[i] == 0 {
			scramble[i] = 1
		}
	}
	return Handshake{
		ProtocolVersion: 10,
		ServerVersion:   serverVersion,
		ConnectionID:    connectionID,
		AuthPluginData:  scramble,
		Capabilities:    CapProtocol41 | CapSecureConnection | CapPluginAuth | CapConnectWithDB | CapLongPassword,
		Charset:         33, // utf8_general_ci
		StatusFlags:     0x0002,
		AuthPluginName:  defaultAuthPlugin,
	}, nil
}

// ScrubCompressSSL clears the COMPRESS and SSL capability bits. Per spec.md
// §4.1, these features are not mediated and must never reach the client.
func (h *Handshake) ScrubCompressSSL() {
	h.Capabilities &^= CapCompress
	h.Capabilities &^= CapSSL
}

// Encode serializes the handshake into its wire payload (without framing).
func (h Handshake) Encode() []byte {
	var buf []byte
	buf = append(buf, h.ProtocolVersion)
	buf = append(buf, h.ServerVersion...)
	buf = append(buf, 0)

	connID := make([]byte, 4)
	binary.LittleEndian.PutUint32(connID, h.ConnectionID)
	buf = append(buf, connID...)

	part1 := h.AuthPluginData
	if len(part1) > 8 {
		part1 = part1[:8]
	}
	buf = append(buf, part1...)
	for len(buf) < 1+len(h.ServerVersion)+1+4+8 {
		buf = append(buf, 0)
	}
	buf = append(buf, 0) // filler

	capLow := uint16(h.Capabilities)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, h.Charset)
	buf = append(buf, byte(h.StatusFlags), byte(h.StatusFlags>>8))
	capHigh := uint16(h.Capabilities >> 16)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))

	authLen := len(h.AuthPluginData)
	if authLen < 21 {
		authLen = 21
	}
	buf = append(buf, byte(authLen))
	buf = append(buf, make([]byte, 10)...) // reserved

	var part2 []byte
	if len(h.AuthPluginData) > 8 {
		part2 = h.AuthPluginData[8:]
	}
	buf = append(buf, part2...)
	for len(part2) < 12 {
		buf = append(buf, 0)
		part2 = append(part2, 0)
	}
	buf = append(buf, 0) // trailing nul on auth-plugin-data-2

	if h.Capabilities&CapPluginAuth != 0 {
		name := h.AuthPluginName
		if name == "" {
			name = defaultAuthPlugin
		}
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	return buf
}

// DecodeHandshake parses a server handshake payload.
func DecodeHandshake(payload []byte) (Handshake, error) {
	if len(payload) < 1 {
		return Handshake{}, fmt.Errorf("wire: empty handshake")
	}
	h := Handshake{ProtocolVersion: payload[0]}
	pos := 1

	ver, next := nullTerminatedString(payload, pos)
	h.ServerVersion = ver
	pos = next

	if pos+4 > len(payload) {
		return Handshake{}, fmt.Errorf("wire: handshake too short for connection id")
	}
	h.ConnectionID = binary.LittleEndian.Uint32(payload[pos : pos+4])
	pos += 4

	if pos+8 > len(payload) {
		return Handshake{}, fmt.Errorf("wire: handshake too short for auth data part 1")
	}
	authData := append([]byte{}, payload[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(payload) {
		return Handshake{}, fmt.Errorf("wire: handshake too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(payload[pos : pos+2]))
	pos += 2

	if pos+3 > len(payload) {
		return Handshake{}, fmt.Errorf("wire: handshake too short for charset/status")
	}
	h.Charset = payload[pos]
	pos++
	h.StatusFlags = binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2

	if pos+2 > len(payload) {
		return Handshake{}, fmt.Errorf("wire: handshake too short for capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(payload[pos:pos+2])) << 16
	pos += 2
	h.Capabilities = capLow | capHigh

	var authPluginDataLen int
	if pos < len(payload) {
		authPluginDataLen = int(payload[pos])
		pos++
	}
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(payload) {
		part2Len = len(payload) - pos
	}
	if part2Len > 0 {
		part2 := payload[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len
	h.AuthPluginData = authData

	h.AuthPluginName = defaultAuthPlugin
	if h.Capabilities&CapPluginAuth != 0 && pos < len(payload) {
		name, _ := nullTerminatedString(payload, pos)
		h.AuthPluginName = name
	}
	return h, nil
}

// AuthResponse is a parsed Protocol::HandshakeResponse41 (client → server).
type AuthResponse struct {
	Capabilities   uint32
	MaxPacketSize  uint32
	Charset        byte
	Username       string
	AuthResponse   []byte
	Database       string
	AuthPluginName string
	Raw            []byte // verbatim payload, for forwarding unchanged
}

// DecodeAuthResponse parses a HandshakeResponse41 payload.
func DecodeAuthResponse(payload []byte) (AuthResponse, error) {
	if len(payload) < 32 {
		return AuthResponse{}, fmt.Errorf("wire: auth response too short")
	}
	a := AuthResponse{Raw: append([]byte{}, payload...)}
	a.Capabilities = binary.LittleEndian.Uint32(payload[0:4])
	a.MaxPacketSize = binary.LittleEndian.Uint32(payload[4:8])
	a.Charset = payload[8]

	pos := 32
	user, next := nullTerminatedString(payload, pos)
	a.Username = user
	pos = next

	const capPluginAuthLenencData = uint32(1 << 21)
	switch {
	case a.Capabilities&capPluginAuthLenencData != 0:
		n, next, ok := readLenEncInt(payload, pos)
		if ok && next+int(n) <= len(payload) {
			a.AuthResponse = payload[next : next+int(n)]
			pos = next + int(n)
		}
	case a.Capabilities&CapSecureConnection != 0:
		if pos < len(payload) {
			n := int(payload[pos])
			pos++
			if pos+n <= len(payload) {
				a.AuthResponse = payload[pos : pos+n]
				pos += n
			}
		}
	default:
		resp, next := nullTerminatedString(payload, pos)
		a.AuthResponse = []byte(resp)
		pos = next
	}

	if a.Capabilities&CapConnectWithDB != 0 && pos < len(payload) {
		db, next := nullTerminatedString(payload, pos)
		a.Database = db
		pos = next
	}

	if a.Capabilities&CapPluginAuth != 0 && pos < len(payload) {
		name, _ := nullTerminatedString(payload, pos)
		a.AuthPluginName = name
	}
	return a, nil
}

// AuthSwitchRequest is sent by a server that wants a different auth plugin
// than the one the client first assumed.
type AuthSwitchRequest struct {
	PluginName string
	PluginData []byte
}

// DecodeAuthSwitchRequest parses a 0xfe AuthSwitchRequest payload (the byte
// at payload[0] is the 0xfe marker itself, already stripped by the caller
// if it chooses to pass payload[1:] — this function accepts either, since
// it scans for the marker).
func DecodeAuthSwitchRequest(payload []byte) (AuthSwitchRequest, error) {
	pos := 0
	if len(payload) > 0 && payload[0] == 0xfe {
		pos = 1
	}
	name, next := nullTerminatedString(payload, pos)
	data := []byte{}
	if next < len(payload) {
		data = payload[next:]
		if len(data) > 0 && data[len(data)-1] == 0 {
			data = data[:len(data)-1]
		}
	}
	return AuthSwitchRequest{PluginName: name, PluginData: data}, nil
}

// Encode serializes a HandshakeResponse41, used when the pool synthesizes
// an auth response against a fresh backend on the proxy's behalf.
func (a AuthResponse) Encode() []byte {
	var buf []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, a.Capabilities)
	buf = append(buf, capBuf...)
	maxBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(maxBuf, a.MaxPacketSize)
	buf = append(buf, maxBuf...)
	buf = append(buf, a.Charset)
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, a.Username...)
	buf = append(buf, 0)
	buf = append(buf, byte(len(a.AuthResponse)))
	buf = append(buf, a.AuthResponse...)
	if a.Capabilities&CapConnectWithDB != 0 {
		buf = append(buf, a.Database...)
		buf = append(buf, 0)
	}
	if a.Capabilities&CapPluginAuth != 0 {
		name := a.AuthPluginName
		if name == "" {
			name = defaultAuthPlugin
		}
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	return buf
}
