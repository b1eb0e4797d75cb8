package host

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// maxFrameSize is the largest message the browser may send to a native
	// messaging host.
	maxFrameSize = 64 << 20

	// maxOutgoingFrameSize is the largest message a host may send back;
	// the browser drops the connection on anything bigger.
	maxOutgoingFrameSize = 1 << 20
)

// ErrFrameTooLarge is returned for frames above the size limit of their
// direction.
var ErrFrameTooLarge = errors.New("native message exceeds size limit")

// ErrMalformedFrame is returned when a complete frame is not valid JSON.
// The stream stays aligned, so the caller may keep reading.
var ErrMalformedFrame = errors.New("malformed native message")

// Decoder reads native messaging frames: a 4-byte little-endian length
// followed by that many bytes of JSON.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next frame into v. It returns io.EOF when the stream
// ends cleanly between frames.
func (d *Decoder) Decode(v any) error {
	var size uint32
	if err := binary.Read(d.r, binary.LittleEndian, &size); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("reading frame length: %w", err)
		}
		return err
	}
	if size > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return nil
}

// Encoder writes native messaging frames. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v as one frame.
func (e *Encoder) Encode(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > maxOutgoingFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(frame)
	return err
}
