package serializer

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// MaxFrameSize bounds a single encoded message
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned for frames larger than MaxFrameSize
var ErrFrameTooLarge = errors.New("backfill frame exceeds size limit")

// Encoder writes length prefixed messages: [len:4 big endian] [serialized message]
type Encoder struct {
	w   *bufio.Writer
	s   IBackfillSerializer
	hdr [4]byte
}

// NewEncoder returns an Encoder writing to w. Flush must be called after the last message.
func NewEncoder(w io.Writer, s IBackfillSerializer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), s: s}
}

// Encode writes one message
func (e *Encoder) Encode(msg Message) error {
	data, err := e.s.Serialize(msg)
	if err != nil {
		return errors.Wrapf(err, "serialize %s message", msg.MsgType)
	}
	if len(data) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(data))
	}
	binary.BigEndian.PutUint32(e.hdr[:], uint32(len(data)))
	if _, err := e.w.Write(e.hdr[:]); err != nil {
		return err
	}
	_, err = e.w.Write(data)
	return err
}

// Flush writes buffered data to the underlying writer
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Decoder reads messages written by an Encoder
type Decoder struct {
	r   *bufio.Reader
	s   IBackfillSerializer
	buf []byte
}

func NewDecoder(r io.Reader, s IBackfillSerializer) *Decoder {
	return &Decoder{r: bufio.NewReader(r), s: s}
}

// Decode reads the next message. It returns io.EOF at a clean end of the stream and
// io.ErrUnexpectedEOF inside a frame.
func (d *Decoder) Decode(msg *Message) error {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	if cap(d.buf) < int(n) {
		d.buf = make([]byte, n)
	}
	d.buf = d.buf[:n]
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return errors.Wrap(d.s.Deserialize(d.buf, msg), "deserialize backfill message")
}
