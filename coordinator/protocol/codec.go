package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageBytes bounds a single frame. Exceeding it is terminal
// for the connection.
const DefaultMaxMessageBytes = 1 << 20

var (
	// ErrProtocol marks any violation that must close the connection.
	ErrProtocol = errors.New("protocol error")
	// ErrFrameTooLarge is returned when a line exceeds the configured cap.
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds size limit", ErrProtocol)
)

// Codec frames Messages as newline-terminated JSON over a byte stream.
// Reads and writes are not internally synchronized; the connection
// handler guarantees a single reader and a single writer.
type Codec struct {
	r        *bufio.Reader
	w        io.Writer
	maxBytes int
}

// NewCodec wraps rw with the default frame size cap.
func NewCodec(rw io.ReadWriter) *Codec {
	return NewCodecSize(rw, DefaultMaxMessageBytes)
}

// NewCodecSize wraps rw with an explicit frame size cap.
func NewCodecSize(rw io.ReadWriter, maxBytes int) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Codec{
		r:        bufio.NewReaderSize(rw, 64<<10),
		w:        rw,
		maxBytes: maxBytes,
	}
}

// ReadMessage reads one frame and validates the envelope.
func (c *Codec) ReadMessage() (Message, error) {
	line, err := c.readLine()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: invalid JSON frame: %v", ErrProtocol, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// readLine reads up to and including the next newline, enforcing maxBytes.
func (c *Codec) readLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := c.r.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > c.maxBytes {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
}

// WriteMessage writes one frame. The payload must not contain a raw
// newline; encoding/json never emits one.
func (c *Codec) WriteMessage(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data)+1 > c.maxBytes {
		return ErrFrameTooLarge
	}
	data = append(data, '\n')
	_, err = c.w.Write(data)
	return err
}
