package modbus

import (
	"encoding/binary"
	"fmt"
)

// Modbus TCP framing (MBAP header), per spec section 6:
//
//	byte 0-1: transaction identifier
//	byte 2-3: protocol identifier (always 0)
//	byte 4-5: length (unit id + PDU bytes that follow)
//	byte 6:   unit identifier
//	byte 7:   function code
//	byte 8-:  function data
//
// Framing constants and layout are grounded on rolfl-modbus/tcp.go's
// buildTCPFrame/decodeTCPFrame and validFrame.
const (
	mbapHeaderLen = 7
	fcReadHolding = 0x03
	exceptionBit  = 0x80
)

type adu struct {
	transactionID uint16
	unitID        byte
	functionCode  byte
	data          []byte
}

// encodeReadHoldingRequest builds the MBAP+PDU frame for a Read Holding
// Registers (0x03) request.
func encodeReadHoldingRequest(txID uint16, unitID byte, start, count int) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fcReadHolding
	binary.BigEndian.PutUint16(pdu[1:3], uint16(start))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(count))
	return buildFrame(adu{transactionID: txID, unitID: unitID, functionCode: fcReadHolding, data: pdu[1:]})
}

func buildFrame(a adu) []byte {
	frame := make([]byte, mbapHeaderLen+1+len(a.data))
	binary.BigEndian.PutUint16(frame[0:2], a.transactionID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+1+len(a.data)))
	frame[6] = a.unitID
	frame[7] = a.functionCode
	copy(frame[8:], a.data)
	return frame
}

// decodeHeader parses the 7-byte MBAP header and returns the expected total
// frame length (the 7-byte header, whose last byte is the unit id, plus the
// PDU), matching rolfl-modbus/tcp.go's
// wireReader length computation.
func decodeHeader(buf []byte) (total int, err error) {
	if len(buf) < mbapHeaderLen {
		return 0, fmt.Errorf("modbus: short header")
	}
	protocol := binary.BigEndian.Uint16(buf[2:4])
	if protocol != 0 {
		return 0, fmt.Errorf("modbus: unexpected protocol id 0x%04x", protocol)
	}
	length := binary.BigEndian.Uint16(buf[4:6])
	if length == 0 || length > 253+1 {
		return 0, fmt.Errorf("modbus: invalid length field %d", length)
	}
	return mbapHeaderLen + int(length) - 1, nil
}

// decodeFrame parses a complete frame (as sized by decodeHeader) into an adu.
func decodeFrame(buf []byte) adu {
	return adu{
		transactionID: binary.BigEndian.Uint16(buf[0:2]),
		unitID:        buf[6],
		functionCode:  buf[7],
		data:          append([]byte(nil), buf[8:]...),
	}
}

// decodeReadHoldingResponse extracts the register words from a successful
// Read Holding Registers response PDU (function code echoed, byte count,
// then 2 bytes per register).
func decodeReadHoldingResponse(data []byte, wantCount int) ([]uint16, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("modbus: empty response payload")
	}
	byteCount := int(data[0])
	if len(data) < 1+byteCount {
		return nil, fmt.Errorf("modbus: response byte count %d exceeds payload", byteCount)
	}
	if byteCount != wantCount*2 {
		return nil, fmt.Errorf("modbus: response byte count %d does not match requested %d registers", byteCount, wantCount)
	}
	words := make([]uint16, wantCount)
	for i := 0; i < wantCount; i++ {
		words[i] = binary.BigEndian.Uint16(data[1+2*i : 3+2*i])
	}
	return words, nil
}

// exceptionCode returns the Modbus exception code carried in an error
// response PDU (function code with the high bit set), mirroring
// rolfl-modbus/client.go's error-condition handling.
func exceptionCode(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return int(data[0])
}
