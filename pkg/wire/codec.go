package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single message's encoded size to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const maxFrameSize = 256 << 20 // 256 MiB, generous for an artifact blob

// Envelope wraps every wire message with a Kind tag so a single Decode
// call can route to the right concrete payload type.
type Envelope struct {
	Kind    string          `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Pack encodes kind and payload into an Envelope's wire bytes.
func Pack(kind string, payload any) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload %s: %w", kind, err)
	}
	env := Envelope{Kind: kind, Payload: raw}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope %s: %w", kind, err)
	}
	return data, nil
}

// Unpack decodes an Envelope's payload into out, given out is a pointer to
// the concrete type matching env.Kind.
func Unpack(env *Envelope, out any) error {
	if err := msgpack.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("wire: unmarshal payload %s: %w", env.Kind, err)
	}
	return nil
}

// WriteHandshake writes the single protocol-version byte that must be the
// first thing sent on a new connection.
func WriteHandshake(w io.Writer) error {
	_, err := w.Write([]byte{ProtocolVersion})
	return err
}

// ReadHandshake reads and validates the protocol-version byte. A mismatch
// is a protocol violation and the caller must close the connection.
func ReadHandshake(r io.Reader) error {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("wire: read handshake: %w", err)
	}
	if buf[0] != ProtocolVersion {
		return fmt.Errorf("wire: protocol version mismatch: got %d, want %d", buf[0], ProtocolVersion)
	}
	return nil
}

// WriteFrame writes one length-prefixed message frame.
func WriteFrame(w io.Writer, kind string, payload any) error {
	data, err := Pack(kind, payload)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed envelopes off a connection, one at a
// time, for the caller's read-goroutine to push onto an event channel.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadEnvelope blocks for the next frame and decodes its envelope. Returns
// io.EOF (possibly wrapped) when the peer closed the connection cleanly.
func (fr *FrameReader) ReadEnvelope() (*Envelope, error) {
	body, err := fr.readFrame()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return &env, nil
}

// ReadRawBlob reads one length-prefixed frame without treating it as an
// envelope. It exists solely for the ArtifactReply{Found: true} path:
// Path never crosses the wire as part of that message, so the broker
// follows the envelope with one raw length-prefixed frame carrying the
// artifact's bytes, and the worker must read it the same way, in band,
// before resuming normal envelope reads.
func (fr *FrameReader) ReadRawBlob() ([]byte, error) {
	return fr.readFrame()
}

func (fr *FrameReader) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds maximum %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body, nil
}

// WriteRawBlob writes data as one length-prefixed frame, with no envelope
// wrapping — the counterpart to ReadRawBlob.
func WriteRawBlob(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write blob length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write blob body: %w", err)
	}
	return nil
}
