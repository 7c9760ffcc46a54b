package script

import "github.com/sqlmediator/sqlmediator/internal/wire"

// Materialize turns a SendResult Response into the framed packets that
// should be written to the client, starting at sequence id startSeq.
func Materialize(resp Response, startSeq byte) []wire.Packet {
	switch resp.Type {
	case ResponseErr:
		e := wire.Err{Code: resp.ErrCode, SQLState: "HY000", Message: resp.ErrMessage}
		if e.Code == 0 {
			e.Code = 1105 // ER_UNKNOWN_ERROR
		}
		return []wire.Packet{{Seq: startSeq, Payload: e.Encode()}}
	case ResponseResultSet:
		rs := buildResultSet(resp)
		return rs.EncodePackets(startSeq)
	default: // ResponseOK
		ok := wire.OK{AffectedRows: resp.AffectedRows, LastInsertID: resp.LastInsertID}
		return []wire.Packet{{Seq: startSeq, Payload: ok.Encode()}}
	}
}

func buildResultSet(resp Response) wire.ResultSet {
	cols := make([]wire.ColumnDef, len(resp.ColumnNames))
	for i, name := range resp.ColumnNames {
		cols[i] = wire.ColumnDef{
			Name:         name,
			OrgName:      name,
			Charset:      33,
			ColumnLength: 255,
			Type:         0xfd, // VAR_STRING
		}
	}
	return wire.ResultSet{Columns: cols, Rows: resp.Rows}
}
