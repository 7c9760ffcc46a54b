package wire

import "testing"

func TestColumnDefEncodeDecodeRoundTrip(t *testing.T) {
	c := ColumnDef{
		Schema:       "app",
		Table:        "users",
		OrgTable:     "users",
		Name:         "id",
		OrgName:      "id",
		Charset:      33,
		ColumnLength: 11,
		Type:         0x03,
		Flags:        0,
		Decimals:     0,
	}
	got, ok := DecodeColumnDef(c.Encode())
	if !ok {
		t.Fatal("DecodeColumnDef failed")
	}
	if got.Name != c.Name || got.Table != c.Table || got.Type != c.Type {
		t.Errorf("got %+v, want %+v", got, c)
	}
}

func TestRowEncodeDecodeRoundTrip(t *testing.T) {
	a, b := "1", "hello"
	row := []*string{&a, &b, nil}
	got, ok := DecodeRow(EncodeRow(row), 3)
	if !ok {
		t.Fatal("DecodeRow failed")
	}
	if len(got) != 3 || *got[0] != "1" || *got[1] != "hello" || got[2] != nil {
		t.Errorf("row mismatch: %v", got)
	}
}

func TestResultSetEncodePackets(t *testing.T) {
	rs := SingleValueResultSet("@@version_comment", "sqlmediator")
	packets := rs.EncodePackets(1)

	// column-count, 1 column def, EOF, 1 row, EOF = 5 packets.
	if len(packets) != 5 {
		t.Fatalf("got %d packets, want 5", len(packets))
	}
	for i, p := range packets {
		want := byte(1) + byte(i)
		if p.Seq != want {
			t.Errorf("packet %d seq = %d, want %d", i, p.Seq, want)
		}
	}
	if !IsEOFPacket(packets[2].Payload) {
		t.Errorf("packet 2 should be EOF")
	}
	if !IsEOFPacket(packets[4].Payload) {
		t.Errorf("packet 4 should be EOF")
	}
}
