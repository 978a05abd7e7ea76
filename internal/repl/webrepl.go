package repl

import (
	"encoding/binary"
	"fmt"
)

// wrGetVer is the only binary command still used; file transfer goes
// through raw-mode scripts instead of the PUT_FILE(1)/GET_FILE(2) records.
const wrGetVer byte = 3

const (
	wrRequestSize = 19 // "WA" + op + reserved
	wrReplySize   = 4  // "WB" + u16
)

// encodeRequest builds the fixed 19-byte request record:
//
//	bytes 0-1: "WA"
//	byte  2:   command code
//	bytes 3+:  reserved, zero
func encodeRequest(op byte) []byte {
	rec := make([]byte, wrRequestSize)
	rec[0] = 'W'
	rec[1] = 'A'
	rec[2] = op
	return rec
}

// Reply is a decoded 4-byte "WB" frame.
type Reply struct {
	Raw    [2]byte
	Status uint16 // little-endian view of Raw
}

// Version formats the reply the way WebREPL clients always have: the two
// payload bytes joined with a dot.
func (r Reply) Version() string {
	return fmt.Sprintf("%d.%d", r.Raw[0], r.Raw[1])
}

func decodeReply(frame []byte) (Reply, error) {
	if len(frame) < wrReplySize || frame[0] != 'W' || frame[1] != 'B' {
		return Reply{}, fmt.Errorf("%w: % x", ErrUnexpectedFrame, frame)
	}
	var r Reply
	copy(r.Raw[:], frame[2:4])
	r.Status = binary.LittleEndian.Uint16(frame[2:4])
	return r, nil
}
