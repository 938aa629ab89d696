package douyu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	msgTypeClient = 689
	msgTypeServer = 690

	headerLen = 8 // type(2) + encrypt(1) + reserved(1) + second length(4)
)

var ErrShortPacket = errors.New("douyu: short packet")

// EncodePacket frames an STT body for the danmaku server.
//
// Layout: len(LE32) len(LE32) type(LE16) encrypt(0) reserved(0) body NUL,
// where len counts everything after the first length field.
func EncodePacket(body string) []byte {
	n := headerLen + len(body) + 1
	buf := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n))
	binary.LittleEndian.PutUint16(buf[8:10], msgTypeClient)
	copy(buf[12:], body)
	return buf
}

// DecodePackets splits a websocket frame into STT bodies. A frame may carry
// several packets back to back.
func DecodePackets(frame []byte) ([]string, error) {
	var out []string
	for len(frame) > 0 {
		if len(frame) < 4+headerLen {
			return out, ErrShortPacket
		}
		n := int(binary.LittleEndian.Uint32(frame[0:4]))
		if n < headerLen || 4+n > len(frame) {
			return out, fmt.Errorf("%w: length %d, have %d", ErrShortPacket, n, len(frame)-4)
		}
		body := frame[4+headerLen : 4+n]
		if len(body) > 0 && body[len(body)-1] == 0 {
			body = body[:len(body)-1]
		}
		out = append(out, string(body))
		frame = frame[4+n:]
	}
	return out, nil
}
