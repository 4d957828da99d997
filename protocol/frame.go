package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Reader reads length-prefixed messages from a stream.
type Reader struct {
	r      io.Reader
	header [HeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMessage reads the next message.
// A stream that ends cleanly between frames yields io.EOF. A stream that ends inside a frame,
// or a frame that does not decode, yields a *DecodeError. Other read errors are returned as is.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, decodeErr(ErrTruncated, "stream ended inside frame header")
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(r.header[:])
	if n > MaxFrameSize {
		return nil, decodeErr(ErrFrameTooLarge, "body length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, decodeErr(ErrTruncated, "stream ended inside frame body")
		}
		return nil, err
	}
	return decodeBody(body)
}

// Writer writes length-prefixed messages to a stream. It is not safe for concurrent use.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage writes m as a single frame with one Write call.
func (w *Writer) WriteMessage(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.w.Write(frame)
	return err
}
