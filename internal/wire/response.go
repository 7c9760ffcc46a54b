package wire

import "encoding/binary"

// Status flags (Protocol::OK_Packet / EOF_Packet server_status).
const (
	StatusInTrans         uint16 = 0x0001
	StatusAutocommit      uint16 = 0x0002
	StatusMoreResultsExist uint16 = 0x0008
)

// OK is a parsed/constructed OK_Packet.
type OK struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
}

// Encode serializes an OK_Packet payload.
func (o OK) Encode() []byte {
	buf := []byte{OKHeader}
	buf = putLenEncInt(buf, o.AffectedRows)
	buf = putLenEncInt(buf, o.LastInsertID)
	buf = append(buf, byte(o.StatusFlags), byte(o.StatusFlags>>8))
	buf = append(buf, byte(o.Warnings), byte(o.Warnings>>8))
	return buf
}

// DecodeOK parses an OK_Packet payload (caller must have checked the header byte).
func DecodeOK(payload []byte) (OK, bool) {
	if len(payload) < 1 || payload[0] != OKHeader {
		return OK{}, false
	}
	pos := 1
	affected, next, ok := readLenEncInt(payload, pos)
	if !ok {
		return OK{}, false
	}
	pos = next
	lastID, next, ok := readLenEncInt(payload, pos)
	if !ok {
		return OK{}, false
	}
	pos = next
	var status, warnings uint16
	if pos+2 <= len(payload) {
		status = binary.LittleEndian.Uint16(payload[pos : pos+2])
		pos += 2
	}
	if pos+2 <= len(payload) {
		warnings = binary.LittleEndian.Uint16(payload[pos : pos+2])
	}
	return OK{AffectedRows: affected, LastInsertID: lastID, StatusFlags: status, Warnings: warnings}, true
}

// Err is a parsed/constructed ERR_Packet.
type Err struct {
	Code     uint16
	SQLState string // exactly 5 chars
	Message  string
}

// Well-known error codes the core must be able to synthesize.
const (
	ErrCodeAccessDenied = 1045
	SQLStateAccessDenied = "28000"
)

// NewAuthFailedErr builds the ERR_Packet spec.md §4.1/§7 mandates for wrong
// scrambles and auth mismatches.
func NewAuthFailedErr(message string) Err {
	return Err{Code: ErrCodeAccessDenied, SQLState: SQLStateAccessDenied, Message: message}
}

// Encode serializes an ERR_Packet payload.
func (e Err) Encode() []byte {
	state := e.SQLState
	if len(state) > 5 {
		state = state[:5]
	}
	for len(state) < 5 {
		state += " "
	}
	buf := []byte{ErrHeader, byte(e.Code), byte(e.Code >> 8), '#'}
	buf = append(buf, state...)
	buf = append(buf, e.Message...)
	return buf
}

// DecodeErr parses an ERR_Packet payload.
func DecodeErr(payload []byte) (Err, bool) {
	if len(payload) < 9 || payload[0] != ErrHeader {
		return Err{}, false
	}
	code := uint16(payload[1]) | uint16(payload[2])<<8
	state := string(payload[4:9])
	msg := string(payload[9:])
	return Err{Code: code, SQLState: state, Message: msg}, true
}

// EOF is a parsed/constructed EOF_Packet.
type EOF struct {
	Warnings    uint16
	StatusFlags uint16
}

// Encode serializes an EOF_Packet payload.
func (e EOF) Encode() []byte {
	buf := []byte{EOFHeader}
	buf = append(buf, byte(e.Warnings), byte(e.Warnings>>8))
	buf = append(buf, byte(e.StatusFlags), byte(e.StatusFlags>>8))
	return buf
}

// DecodeEOF parses an EOF_Packet payload. MySQL reuses 0xfe for both EOF and
// (in newer, longer) length-encoded integers > 0xfbffff, so callers must
// also check payload length < 9 before trusting this as an EOF marker.
func DecodeEOF(payload []byte) (EOF, bool) {
	if len(payload) < 1 || payload[0] != EOFHeader || len(payload) >= 9 {
		return EOF{}, false
	}
	var e EOF
	if len(payload) >= 5 {
		e.Warnings = binary.LittleEndian.Uint16(payload[1:3])
		e.StatusFlags = binary.LittleEndian.Uint16(payload[3:5])
	}
	return e, true
}

// IsEOFPacket reports whether payload looks like an EOF_Packet (header byte
// 0xfe and short enough not to be a length-encoded integer).
func IsEOFPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == EOFHeader && len(payload) < 9
}

// StatusFlagsOf extracts the server status flags from an OK or EOF payload,
// returning 0 if payload is neither. Used by the driver's result-set
// completion recognizer (spec.md §4.4) to detect transaction/more-results
// boundaries without fully decoding the packet.
func StatusFlagsOf(payload []byte) uint16 {
	if ok, matched := DecodeOK(payload); matched {
		return ok.StatusFlags
	}
	if eof, matched := DecodeEOF(payload); matched {
		return eof.StatusFlags
	}
	return 0
}
