// Package wire is the remotedb network protocol: length-prefixed JSON frames
// carrying requests and responses.
//
// A frame starts with a 4-byte little-endian length that counts the header
// itself, followed by the JSON body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxFrameSize bounds a whole frame, header included.
	MaxFrameSize = 16 * 1024 * 1024
)

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// WriteFrame writes body as one frame with a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	size := HeaderSize + len(body)
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	frame := make([]byte, size)
	binary.LittleEndian.PutUint32(frame, uint32(size))
	copy(frame[HeaderSize:], body)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one frame and returns its body. Empty frames are skipped.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}

		size := binary.LittleEndian.Uint32(header[:])
		if size > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		if size <= HeaderSize {
			continue
		}

		body := make([]byte, size-HeaderSize)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return body, nil
	}
}

// Codec reads and writes JSON messages on one stream. Writes may come from
// several goroutines; reads must come from one.
type Codec struct {
	r   io.Reader
	w   io.Writer
	wmu sync.Mutex
}

// NewCodec returns a codec over rw.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: rw, w: rw}
}

// Read decodes the next frame into v.
func (c *Codec) Read(v any) error {
	body, err := ReadFrame(c.r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: malformed message: %w", err)
	}
	return nil
}

// Write encodes v as one frame.
func (c *Codec) Write(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encoding %T: %w", v, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.w, body)
}
