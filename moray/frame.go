// Package moray speaks the metadata service's framed JSON RPC protocol. The
// client is deliberately small: the two calls a scan needs, sql and
// findObjects, streamed row by row.
package moray

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	protocolVersion = 0x1
	encodingJSON    = 0x1

	statusData  = 0x1
	statusEnd   = 0x2
	statusError = 0x3

	// version, encoding, status, msgid, crc, data length.
	headerSize = 1 + 1 + 1 + 4 + 4 + 4

	// maxFrameSize bounds a single frame's payload. Pages are capped by the
	// query limit, so anything larger than this is a corrupt length field.
	maxFrameSize = 64 * 1024 * 1024
)

type (
	frame struct {
		status byte
		msgID  uint32
		data   []byte
	}
)

func encodeFrame(w io.Writer, f frame) error {
	buf := make([]byte, headerSize+len(f.data))
	buf[0] = protocolVersion
	buf[1] = encodingJSON
	buf[2] = f.status
	binary.BigEndian.PutUint32(buf[3:7], f.msgID)
	binary.BigEndian.PutUint32(buf[7:11], crc32.ChecksumIEEE(f.data))
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(f.data)))
	copy(buf[headerSize:], f.data)
	_, err := w.Write(buf)
	return err
}

func decodeFrame(r io.Reader) (frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	if header[0] != protocolVersion {
		return frame{}, fmt.Errorf("unsupported protocol version %#x", header[0])
	}
	if header[1] != encodingJSON {
		return frame{}, fmt.Errorf("unsupported frame encoding %#x", header[1])
	}
	status := header[2]
	if status != statusData && status != statusEnd && status != statusError {
		return frame{}, fmt.Errorf("unknown frame status %#x", status)
	}

	msgID := binary.BigEndian.Uint32(header[3:7])
	checksum := binary.BigEndian.Uint32(header[7:11])
	length := binary.BigEndian.Uint32(header[11:15])
	if length > maxFrameSize {
		return frame{}, fmt.Errorf("frame of %v bytes exceeds the %v byte limit", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return frame{}, err
	}
	if actual := crc32.ChecksumIEEE(data); actual != checksum {
		return frame{}, fmt.Errorf("frame %v checksum mismatch: header %#x, data %#x", msgID, checksum, actual)
	}
	return frame{status: status, msgID: msgID, data: data}, nil
}
