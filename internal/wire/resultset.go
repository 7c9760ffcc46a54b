package wire

// ColumnDef is a parsed/constructed Protocol::ColumnDefinition41 packet,
// trimmed to the fields a script is likely to want to set.
type ColumnDef struct {
	Catalog      string
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	Charset      uint16
	ColumnLength uint32
	Type         byte
	Flags        uint16
	Decimals     byte
}

// Encode serializes a ColumnDefinition41 payload.
func (c ColumnDef) Encode() []byte {
	catalog := c.Catalog
	if catalog == "" {
		catalog = "def"
	}
	var buf []byte
	buf = putLenEncStr(buf, catalog)
	buf = putLenEncStr(buf, c.Schema)
	buf = putLenEncStr(buf, c.Table)
	buf = putLenEncStr(buf, c.OrgTable)
	buf = putLenEncStr(buf, c.Name)
	buf = putLenEncStr(buf, c.OrgName)
	buf = putLenEncInt(buf, 0x0c) // length of fixed-length fields below

	buf = append(buf, byte(c.Charset), byte(c.Charset>>8))
	lenBuf := make([]byte, 4)
	lenBuf[0] = byte(c.ColumnLength)
	lenBuf[1] = byte(c.ColumnLength >> 8)
	lenBuf[2] = byte(c.ColumnLength >> 16)
	lenBuf[3] = byte(c.ColumnLength >> 24)
	buf = append(buf, lenBuf...)
	buf = append(buf, c.Type)
	buf = append(buf, byte(c.Flags), byte(c.Flags>>8))
	buf = append(buf, c.Decimals)
	buf = append(buf, 0, 0) // filler
	return buf
}

// DecodeColumnDef parses a ColumnDefinition41 payload.
func DecodeColumnDef(payload []byte) (ColumnDef, bool) {
	var c ColumnDef
	pos := 0
	str := func() (string, bool) {
		n, next, ok := readLenEncInt(payload, pos)
		if !ok || next+int(n) > len(payload) {
			return "", false
		}
		s := string(payload[next : next+int(n)])
		pos = next + int(n)
		return s, true
	}
	var ok bool
	if c.Catalog, ok = str(); !ok {
		return ColumnDef{}, false
	}
	if c.Schema, ok = str(); !ok {
		return ColumnDef{}, false
	}
	if c.Table, ok = str(); !ok {
		return ColumnDef{}, false
	}
	if c.OrgTable, ok = str(); !ok {
		return ColumnDef{}, false
	}
	if c.Name, ok = str(); !ok {
		return ColumnDef{}, false
	}
	if c.OrgName, ok = str(); !ok {
		return ColumnDef{}, false
	}
	_, next, ok := readLenEncInt(payload, pos)
	if !ok {
		return ColumnDef{}, false
	}
	pos = next
	if pos+10 > len(payload) {
		return ColumnDef{}, false
	}
	c.Charset = uint16(payload[pos]) | uint16(payload[pos+1])<<8
	c.ColumnLength = uint32(payload[pos+2]) | uint32(payload[pos+3])<<8 | uint32(payload[pos+4])<<16 | uint32(payload[pos+5])<<24
	c.Type = payload[pos+6]
	c.Flags = uint16(payload[pos+7]) | uint16(payload[pos+8])<<8
	c.Decimals = payload[pos+9]
	return c, true
}

// EncodeRow serializes a text-protocol row: each value length-encoded, or
// 0xfb (NULL marker) for a nil value.
func EncodeRow(values []*string) []byte {
	var buf []byte
	for _, v := range values {
		if v == nil {
			buf = append(buf, 0xfb)
			continue
		}
		buf = putLenEncStr(buf, *v)
	}
	return buf
}

// DecodeRow parses a text-protocol row into columnCount values (nil for NULL).
func DecodeRow(payload []byte, columnCount int) ([]*string, bool) {
	values := make([]*string, 0, columnCount)
	pos := 0
	for i := 0; i < columnCount; i++ {
		if pos < len(payload) && payload[pos] == 0xfb {
			values = append(values, nil)
			pos++
			continue
		}
		n, next, ok := readLenEncInt(payload, pos)
		if !ok || next+int(n) > len(payload) {
			return nil, false
		}
		s := string(payload[next : next+int(n)])
		values = append(values, &s)
		pos = next + int(n)
	}
	return values, true
}

// ResultSet is a fully materialized result, used when a script's SEND_RESULT
// response supplies rows directly instead of OK/ERR.
type ResultSet struct {
	Columns []ColumnDef
	Rows    [][]*string
}

// EncodePackets renders a ResultSet into the ordered sequence of framed
// packets a client expects: column-count, column defs, EOF, rows, EOF.
// startSeq is the sequence id of the column-count packet; subsequent
// packets increment from there (spec.md §3's "monotonic inside one logical
// response" invariant).
func (rs ResultSet) EncodePackets(startSeq byte) []Packet {
	seq := startSeq
	packets := make([]Packet, 0, 3+len(rs.Columns)+len(rs.Rows))

	colCountBuf := putLenEncInt(nil, uint64(len(rs.Columns)))
	packets = append(packets, Packet{Seq: seq, Payload: colCountBuf})
	seq++

	for _, c := range rs.Columns {
		packets = append(packets, Packet{Seq: seq, Payload: c.Encode()})
		seq++
	}
	packets = append(packets, Packet{Seq: seq, Payload: EOF{}.Encode()})
	seq++

	for _, row := range rs.Rows {
		packets = append(packets, Packet{Seq: seq, Payload: EncodeRow(row)})
		seq++
	}
	packets = append(packets, Packet{Seq: seq, Payload: EOF{}.Encode()})
	return packets
}

// SingleValueResultSet builds the common one-column/one-row result used by
// the master personality's built-in fallbacks (select @@version_comment,
// select USER()).
func SingleValueResultSet(columnName, value string) ResultSet {
	v := value
	return ResultSet{
		Columns: []ColumnDef{{Name: columnName, OrgName: columnName, Type: 0xfd /* VAR_STRING */, Charset: 33, ColumnLength: uint32(len(value))}},
		Rows:    [][]*string{{&v}},
	}
}
