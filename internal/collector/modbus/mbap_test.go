package modbus

import "testing"

func TestEncodeDecodeReadHoldingRequest_Roundtrip(t *testing.T) {
	frame := encodeReadHoldingRequest(7, 3, 100, 2)
	if len(frame) != mbapHeaderLen+1+4 {
		t.Fatalf("unexpected frame length %d", len(frame))
	}
	total, err := decodeHeader(frame[:mbapHeaderLen+1])
	if err != nil {
		t.Fatalf("unexpected decodeHeader error: %v", err)
	}
	if total != len(frame) {
		t.Fatalf("decodeHeader total=%d, want %d", total, len(frame))
	}
	a := decodeFrame(frame)
	if a.transactionID != 7 || a.unitID != 3 || a.functionCode != fcReadHolding {
		t.Fatalf("unexpected adu: %+v", a)
	}
}

func TestDecodeReadHoldingResponse_OK(t *testing.T) {
	data := []byte{4, 0x00, 0x01, 0x00, 0x02}
	words, err := decodeReadHoldingResponse(data, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(words) != 2 || words[0] != 1 || words[1] != 2 {
		t.Fatalf("unexpected words: %v", words)
	}
}

func TestDecodeReadHoldingResponse_ByteCountMismatch(t *testing.T) {
	data := []byte{2, 0x00, 0x01}
	if _, err := decodeReadHoldingResponse(data, 2); err == nil {
		t.Fatalf("expected error for byte count not matching requested register count")
	}
}

func TestDecodeHeader_RejectsNonZeroProtocol(t *testing.T) {
	buf := make([]byte, mbapHeaderLen+1)
	buf[2], buf[3] = 0, 1 // protocol id = 1
	buf[4], buf[5] = 0, 2
	if _, err := decodeHeader(buf); err == nil {
		t.Fatalf("expected error for non-zero protocol id")
	}
}

func TestExceptionCode(t *testing.T) {
	if got := exceptionCode([]byte{0x02}); got != 2 {
		t.Fatalf("expected exception code 2, got %d", got)
	}
	if got := exceptionCode(nil); got != 0 {
		t.Fatalf("expected 0 for empty payload, got %d", got)
	}
}
