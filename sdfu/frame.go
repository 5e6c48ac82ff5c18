package sdfu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Serial frame layout, both directions:
//
//	[SOF][OP][LEN_L][LEN_H][PAYLOAD...][CKSUM_L][CKSUM_H][EOF]
//
// For responses OP carries a status code. The checksum covers OP, LEN and
// PAYLOAD and is the two's complement of the 16-bit byte sum.
const (
	startOfFrame = 0x01
	endOfFrame   = 0x17

	// minFrameSize is SOF(1) + OP(1) + LEN(2) + CKSUM(2) + EOF(1).
	minFrameSize = 7

	// maxPayload bounds a single frame. Chunk payloads carry a 2-byte
	// sequence number ahead of the data.
	maxPayload = 1024
)

// Host to device operations.
const (
	opNegotiate = 0x40
	opChunk     = 0x41
	opVerify    = 0x42
)

// Device status codes.
const (
	statusSuccess      byte = 0x00
	statusLength       byte = 0x03
	statusFormat       byte = 0x04
	statusIncompatible byte = 0x06
	statusNoSpace      byte = 0x07
	statusChecksum     byte = 0x08
	statusSequence     byte = 0x0A
	statusState        byte = 0x0B
	statusVerify       byte = 0x0C
)

func statusName(code byte) string {
	switch code {
	case statusSuccess:
		return "success"
	case statusLength:
		return "invalid length"
	case statusFormat:
		return "unsupported package format"
	case statusIncompatible:
		return "incompatible device or service version"
	case statusNoSpace:
		return "image exceeds application region"
	case statusChecksum:
		return "frame checksum mismatch"
	case statusSequence:
		return "chunk out of sequence"
	case statusState:
		return "operation not allowed in current state"
	case statusVerify:
		return "image checksum mismatch"
	default:
		return fmt.Sprintf("unknown status 0x%02X", code)
	}
}

type frame struct {
	op      byte
	payload []byte
}

// frameChecksum computes the two's complement of the 16-bit sum over b.
func frameChecksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return 1 + (0xFFFF ^ sum)
}

func buildFrame(op byte, payload []byte) []byte {
	b := make([]byte, 0, minFrameSize+len(payload))
	b = append(b, startOfFrame, op)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, payload...)
	b = binary.LittleEndian.AppendUint16(b, frameChecksum(b[1:]))
	b = append(b, endOfFrame)
	return b
}

func writeFrame(w io.Writer, op byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("payload %d exceeds frame limit %d", len(payload), maxPayload)
	}
	_, err := w.Write(buildFrame(op, payload))
	return err
}

// readFrame blocks until a complete frame arrives. Bytes before the start
// marker are discarded, which resynchronizes the stream after line noise.
func readFrame(r io.Reader) (*frame, error) {
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		if b[0] == startOfFrame {
			break
		}
	}
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(head[1:])
	if size > maxPayload {
		return nil, fmt.Errorf("frame declares %d payload bytes, limit is %d", size, maxPayload)
	}
	rest := make([]byte, int(size)+3)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	if rest[len(rest)-1] != endOfFrame {
		return nil, fmt.Errorf("%w: bad end of frame 0x%02X", errFrameDamaged, rest[len(rest)-1])
	}
	payload := rest[:size]
	sum := binary.LittleEndian.Uint16(rest[size : size+2])
	check := make([]byte, 0, 3+len(payload))
	check = append(check, head[:]...)
	check = append(check, payload...)
	if want := frameChecksum(check); sum != want {
		return nil, fmt.Errorf("%w: sum %#04x, want %#04x", errFrameDamaged, sum, want)
	}
	return &frame{op: head[0], payload: payload}, nil
}

// errFrameDamaged marks a frame that arrived damaged. The receiver NAKs or
// ignores it and keeps the link up; every other read error tears it down.
var errFrameDamaged = errors.New("damaged frame")

// chunkPayload prefixes data with its sequence number.
func chunkPayload(seq uint16, data []byte) []byte {
	b := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(b, seq)
	return append(b, data...)
}
