package wire

import "testing"

func TestOKEncodeDecodeRoundTrip(t *testing.T) {
	ok := OK{AffectedRows: 3, LastInsertID: 100, StatusFlags: StatusAutocommit, Warnings: 0}
	got, matched := DecodeOK(ok.Encode())
	if !matched {
		t.Fatal("DecodeOK did not match an OK packet")
	}
	if got != ok {
		t.Errorf("got %+v, want %+v", got, ok)
	}
}

func TestErrEncodeDecodeRoundTrip(t *testing.T) {
	e := NewAuthFailedErr("Access denied for user 'bob'")
	got, matched := DecodeErr(e.Encode())
	if !matched {
		t.Fatal("DecodeErr did not match an ERR packet")
	}
	if got.Code != ErrCodeAccessDenied {
		t.Errorf("Code = %d, want %d", got.Code, ErrCodeAccessDenied)
	}
	if got.SQLState != SQLStateAccessDenied {
		t.Errorf("SQLState = %q, want %q", got.SQLState, SQLStateAccessDenied)
	}
	if got.Message != e.Message {
		t.Errorf("Message = %q, want %q", got.Message, e.Message)
	}
}

func TestEOFEncodeDecodeRoundTrip(t *testing.T) {
	eof := EOF{Warnings: 2, StatusFlags: StatusAutocommit}
	encoded := eof.Encode()
	if !IsEOFPacket(encoded) {
		t.Fatal("expected encoded EOF to be recognized as EOF packet")
	}
	got, matched := DecodeEOF(encoded)
	if !matched {
		t.Fatal("DecodeEOF did not match")
	}
	if got != eof {
		t.Errorf("got %+v, want %+v", got, eof)
	}
}

func TestStatusFlagsOf(t *testing.T) {
	ok := OK{StatusFlags: StatusInTrans}
	if got := StatusFlagsOf(ok.Encode()); got != StatusInTrans {
		t.Errorf("StatusFlagsOf(OK) = %#x, want %#x", got, StatusInTrans)
	}

	eof := EOF{StatusFlags: StatusMoreResultsExist}
	if got := StatusFlagsOf(eof.Encode()); got != StatusMoreResultsExist {
		t.Errorf("StatusFlagsOf(EOF) = %#x, want %#x", got, StatusMoreResultsExist)
	}

	if got := StatusFlagsOf([]byte{0x01, 0x02}); got != 0 {
		t.Errorf("StatusFlagsOf(neither) = %#x, want 0", got)
	}
}
