package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/ropnet/internal/rop"
)

const (
	StartCode  uint32 = 0x12345678
	StopCode   uint32 = 0x87654321
	HeaderLen         = 24
	FooterLen         = 4
	Overhead          = HeaderLen + FooterLen
	maxBodyLen        = int(^uint16(0))
)

var (
	ErrShortFrame       = errors.New("frame: shorter than header and footer")
	ErrBadStartCode     = errors.New("frame: bad start code")
	ErrBadStopCode      = errors.New("frame: bad stop code")
	ErrSizeMismatch     = errors.New("frame: body size does not match frame length")
	ErrCountMismatch    = errors.New("frame: operation count does not match body")
	ErrCapacityTooSmall = errors.New("frame: capacity smaller than header and footer")
)

// Header is the fixed frame header.
type Header struct {
	BodyLen  uint16
	Count    uint16
	Age      uint64
	Sequence uint64
}

// Frame is a fixed-capacity batch of encoded operations. The backing buffer is
// allocated once by New and never grows.
type Frame struct {
	buf      []byte
	bodyLen  int
	count    int
	age      uint64
	sequence uint64
}

// New allocates a frame whose encoded form never exceeds capacity bytes.
func New(capacity int) (*Frame, error) {
	if capacity < Overhead {
		return nil, ErrCapacityTooSmall
	}
	body := capacity - Overhead
	if body > maxBodyLen {
		body = maxBodyLen
	}
	return &Frame{buf: make([]byte, body)}, nil
}

// Append encodes op at the end of the body. It fails without side effects when
// the operation does not fit.
func (f *Frame) Append(op *rop.Operation) error {
	if f == nil || op == nil {
		return rop.ErrNullInput
	}
	if err := op.Validate(); err != nil {
		return err
	}
	if op.WireSize() > f.Remaining() {
		return rop.ErrCapacityExceeded
	}
	n, err := rop.Encode(f.buf[f.bodyLen:], op)
	if err != nil {
		return err
	}
	f.bodyLen += n
	f.count++
	return nil
}

// AppendFrame copies every operation of other after the current body.
func (f *Frame) AppendFrame(other *Frame) error {
	if f == nil || other == nil {
		return rop.ErrNullInput
	}
	if other.bodyLen > f.Remaining() {
		return rop.ErrCapacityExceeded
	}
	copy(f.buf[f.bodyLen:], other.buf[:other.bodyLen])
	f.bodyLen += other.bodyLen
	f.count += other.count
	return nil
}

// Reset empties the frame and keeps its capacity.
func (f *Frame) Reset() {
	f.bodyLen = 0
	f.count = 0
	f.age = 0
	f.sequence = 0
}

func (f *Frame) Count() int           { return f.count }
func (f *Frame) BodyLen() int         { return f.bodyLen }
func (f *Frame) Size() int            { return Overhead + f.bodyLen }
func (f *Frame) Capacity() int        { return Overhead + len(f.buf) }
func (f *Frame) Remaining() int       { return len(f.buf) - f.bodyLen }
func (f *Frame) Empty() bool          { return f.count == 0 }
func (f *Frame) Age() uint64          { return f.age }
func (f *Frame) Sequence() uint64     { return f.sequence }
func (f *Frame) SetAge(v uint64)      { f.age = v }
func (f *Frame) SetSequence(v uint64) { f.sequence = v }

// Body returns the encoded operations. The slice aliases the frame buffer.
func (f *Frame) Body() []byte {
	return f.buf[:f.bodyLen]
}

// Operations decodes the body back into records.
func (f *Frame) Operations() ([]rop.Operation, error) {
	view := View{Header: f.header(), body: f.Body()}
	out := make([]rop.Operation, 0, f.count)
	err := view.Each(func(op rop.Operation) error {
		out = append(out, op)
		return nil
	})
	return out, err
}

// Encode writes header, body and footer into dst.
func (f *Frame) Encode(dst []byte) (int, error) {
	size := f.Size()
	if len(dst) < size {
		return 0, rop.ErrCapacityExceeded
	}
	copy(dst[:HeaderLen], EncodeHeader(f.header()))
	copy(dst[HeaderLen:], f.buf[:f.bodyLen])
	binary.LittleEndian.PutUint32(dst[HeaderLen+f.bodyLen:size], StopCode)
	return size, nil
}

// Bytes returns a freshly allocated encoding of the frame.
func (f *Frame) Bytes() []byte {
	out := make([]byte, f.Size())
	_, _ = f.Encode(out)
	return out
}

func (f *Frame) header() Header {
	return Header{
		BodyLen:  uint16(f.bodyLen),
		Count:    uint16(f.count),
		Age:      f.age,
		Sequence: f.sequence,
	}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], StartCode)
	binary.LittleEndian.PutUint16(buf[4:6], h.BodyLen)
	binary.LittleEndian.PutUint16(buf[6:8], h.Count)
	binary.LittleEndian.PutUint64(buf[8:16], h.Age)
	binary.LittleEndian.PutUint64(buf[16:24], h.Sequence)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortFrame
	}
	if binary.LittleEndian.Uint32(b[0:4]) != StartCode {
		return Header{}, ErrBadStartCode
	}
	return Header{
		BodyLen:  binary.LittleEndian.Uint16(b[4:6]),
		Count:    binary.LittleEndian.Uint16(b[6:8]),
		Age:      binary.LittleEndian.Uint64(b[8:16]),
		Sequence: binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// View is a validated, read-only frame over borrowed bytes.
type View struct {
	Header Header
	body   []byte
}

// Parse validates b as a complete frame. Every operation record is checked so
// that callers never act on a partially valid frame.
func Parse(b []byte) (View, error) {
	if len(b) < Overhead {
		return View{}, fmt.Errorf("%w: %w", rop.ErrMalformedFrame, ErrShortFrame)
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return View{}, fmt.Errorf("%w: %w", rop.ErrMalformedFrame, err)
	}
	end := HeaderLen + int(h.BodyLen)
	if end+FooterLen != len(b) {
		return View{}, fmt.Errorf("%w: %w", rop.ErrMalformedFrame, ErrSizeMismatch)
	}
	if binary.LittleEndian.Uint32(b[end:end+FooterLen]) != StopCode {
		return View{}, fmt.Errorf("%w: %w", rop.ErrMalformedFrame, ErrBadStopCode)
	}
	v := View{Header: h, body: b[HeaderLen:end]}
	n, err := v.walk(nil)
	if err != nil {
		return View{}, fmt.Errorf("%w: %w", rop.ErrMalformedFrame, err)
	}
	if n != int(h.Count) {
		return View{}, fmt.Errorf("%w: %w", rop.ErrMalformedFrame, ErrCountMismatch)
	}
	return v, nil
}

func (v View) Empty() bool { return v.Header.Count == 0 }

// Each calls fn for every operation in wire order and stops at the first error.
func (v View) Each(fn func(op rop.Operation) error) error {
	_, err := v.walk(fn)
	return err
}

func (v View) walk(fn func(op rop.Operation) error) (int, error) {
	count := 0
	for offset := 0; offset < len(v.body); {
		op, n, err := rop.Decode(v.body[offset:])
		if err != nil {
			return count, err
		}
		offset += n
		count++
		if fn != nil {
			if err := fn(op); err != nil {
				return count, err
			}
		}
	}
	return count, nil
}
