// Package controlsock implements the Control Socket Server:
// a per-session local IPC endpoint at the session directory's ipc.sock, framing a
// length-prefixed binary protocol, grounded on the attach-frame protocol
// in the teacher pack's daemon/instance.go (frame kind byte + payload).
package controlsock

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/vibetunnel/server/internal/vterr"
)

// Kind identifies a control-socket frame.
type Kind byte

const (
	KindStdin Kind = 1
	KindResize Kind = 2
	KindKill Kind = 3
	KindHeartbeat Kind = 4
	KindStatusUpdate Kind = 5
	KindStdout Kind = 6 // server -> client
	KindExit Kind = 7 // server -> client
	KindError Kind = 8 // server -> client
)

// maxFrameLen bounds a single frame's payload, guarding against a
// malformed length prefix exhausting memory.
const maxFrameLen = 4 << 20

// WriteFrame writes one length-prefixed frame: 1 byte kind, 4 byte
// big-endian payload length, then the payload.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	hdr:= make([]byte, 5)
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err:= w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err:= w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Kind, []byte, error) {
	hdr:= make([]byte, 5)
	if _, err:= io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	n:= binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameLen {
		return 0, nil, vterr.New(vterr.BadFrame, "controlsock: frame length %d exceeds limit", n)
	}
	payload:= make([]byte, n)
	if n > 0 {
		if _, err:= io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return Kind(hdr[0]), payload, nil
}

// EncodeResize packs KindResize's 4-byte big-endian cols/rows payload.
func EncodeResize(cols, rows int) []byte {
	b:= make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(cols))
	binary.BigEndian.PutUint16(b[2:4], uint16(rows))
	return b
}

func DecodeResize(payload []byte) (cols, rows int, ok bool) {
	if len(payload) != 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(payload[0:2])), int(binary.BigEndian.Uint16(payload[2:4])), true
}

// EncodeStatusUpdate packs {app, status} as two length-prefixed strings.
func EncodeStatusUpdate(app, status string) []byte {
	b:= make([]byte, 0, 8+len(app)+len(status))
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(app)))
	b = append(b, lb[:]...)
	b = append(b, app...)
	binary.BigEndian.PutUint32(lb[:], uint32(len(status)))
	b = append(b, lb[:]...)
	b = append(b, status...)
	return b
}

func DecodeStatusUpdate(payload []byte) (app, status string, ok bool) {
	if len(payload) < 4 {
		return "", "", false
	}
	n:= binary.BigEndian.Uint32(payload[0:4])
	payload = payload[4:]
	if uint32(len(payload)) < n {
		return "", "", false
	}
	app = string(payload[:n])
	payload = payload[n:]
	if len(payload) < 4 {
		return "", "", false
	}
	n = binary.BigEndian.Uint32(payload[0:4])
	payload = payload[4:]
	if uint32(len(payload)) < n {
		return "", "", false
	}
	status = string(payload[:n])
	return app, status, true
}

// EncodeExit packs an exit code as a single big-endian int32.
func EncodeExit(code int) []byte {
	b:= make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(int32(code)))
	return b
}

func DecodeExit(payload []byte) (code int, ok bool) {
	if len(payload) != 4 {
		return 0, false
	}
	return int(int32(binary.BigEndian.Uint32(payload))), true
}
