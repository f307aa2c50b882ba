package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Arfidz12/PCV/internal/types"
)

// maxMessageSize rejects corrupt length prefixes before allocating
const maxMessageSize = 64 << 20

// Message types exchanged with the worker process
const (
	TypeHello  = "hello"
	TypeFrame  = "frame"
	TypeResult = "result"
	TypeError  = "error"
)

// Hello is the first message the worker writes, once the model is loaded
type Hello struct {
	Type         string              `msgpack:"type"`
	Model        string              `msgpack:"model"`
	NumLandmarks int                 `msgpack:"num_landmarks"`
	Topology     map[string][][2]int `msgpack:"topology"`
}

// FrameRequest carries one frame to the worker. Pixel data is raw bytes; msgpack
// handles them natively so there is no base64 overhead.
type FrameRequest struct {
	Type      string `msgpack:"type"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	FrameData []byte `msgpack:"frame_data"`
}

// Result answers one FrameRequest
type Result struct {
	Type   string             `msgpack:"type"`
	Seq    uint64             `msgpack:"seq"`
	Faces  [][]types.Landmark `msgpack:"faces"`
	Timing map[string]float64 `msgpack:"timing,omitempty"`
	Error  string             `msgpack:"error,omitempty"`
}

// WriteMessage writes v as a 4-byte big-endian length prefix followed by msgpack data
func WriteMessage(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
// io.EOF is returned unwrapped when the stream ends between messages.
func ReadMessage(r io.Reader, v any) error {
	data, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message body
func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("message length %d exceeds limit %d", n, maxMessageSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}
	return data, nil
}

// envelope peeks at the type field of a message
type envelope struct {
	Type string `msgpack:"type"`
}
