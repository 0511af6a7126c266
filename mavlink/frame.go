// Package mavlink adapts gomavlib frame codec to relay needs:
// feeding arbitrary byte chunks, resync on noise and frame fingerprints for dedup.
package mavlink

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/juju/errors"
)

const (
	STX_V1 byte = 0xfe
	STX_V2 byte = 0xfd

	headerLenV1    = 6
	headerLenV2    = 10
	checksumLen    = 2
	signatureLen   = 13
	maxPayloadLen  = 255
	IncompatSigned = 0x01

	// MaxFrameLen is the largest possible frame, v2 signed with full payload.
	MaxFrameLen = headerLenV2 + maxPayloadLen + checksumLen + signatureLen
)

var (
	ErrGarbage   = errors.New("garbage between frames")
	ErrIncompat  = errors.New("unsupported incompat flags")
	ErrUnknown   = errors.New("message id unknown to dialect")
	ErrNoVersion = errors.New("version must be 1 or 2")
)

type Frame struct {
	Version     byte
	Incompat    byte
	Seq         byte
	SystemID    byte
	ComponentID byte
	MsgID       uint32
	Checksum    uint16
	// Bytes is frame as received on wire.
	Bytes []byte

	// Message is typed decoded payload, nil for malformed frames.
	Message Message
	Err     error
}

func (f *Frame) Malformed() bool { return f.Err != nil }

// Fingerprint identifies the frame for duplicate suppression.
// Same frame received over two links yields same fingerprint.
func (f *Frame) Fingerprint() uint16 { return f.Checksum }

func (f *Frame) Name() string {
	if f.Err != nil {
		return "BAD_DATA"
	}
	return MessageName(f.MsgID)
}

func (f *Frame) String() string {
	if f.Err != nil {
		return fmt.Sprintf("BAD_DATA(len=%d err=%v)", len(f.Bytes), f.Err)
	}
	return fmt.Sprintf("%s(v%d seq=%d sys=%d comp=%d len=%d)",
		f.Name(), f.Version, f.Seq, f.SystemID, f.ComponentID, len(f.Bytes))
}

// Parser splits byte stream into frames. Incomplete tail is kept until next Feed.
// Zero value decodes DefaultDialect.
// Not safe for concurrent use, each link owns one parser.
type Parser struct {
	Dialect string

	buf []byte
}

func (p *Parser) Buffered() int { return len(p.buf) }

func (p *Parser) Reset() { p.buf = p.buf[:0] }

// Feed appends b to internal buffer and returns all complete frames.
// Garbage and corrupt frames are returned with Err set so caller may count them.
// A frame that fails verification consumes only its start byte,
// so a false start in noise does not swallow following frames.
func (p *Parser) Feed(b []byte) []*Frame {
	p.buf = append(p.buf, b...)
	var result []*Frame
	garbage := 0
	flush := func() {
		if garbage > 0 {
			result = append(result, &Frame{Bytes: cloneBytes(p.buf[:garbage]), Err: ErrGarbage})
			p.consume(garbage)
			garbage = 0
		}
	}
	for garbage < len(p.buf) {
		rest := p.buf[garbage:]
		if start := indexSTX(rest); start != 0 {
			if start < 0 {
				start = len(rest)
			}
			garbage += start
			continue
		}

		total, err := frameLen(rest)
		if err != nil {
			garbage++
			continue
		}
		if total == 0 || len(rest) < total { // need more bytes
			break
		}
		f, err := p.decode(rest[:total])
		if err != nil {
			garbage++
			continue
		}
		flush()
		p.consume(total)
		result = append(result, f)
	}
	// garbage before incomplete tail is final, tail may still become a frame
	flush()
	return result
}

func (p *Parser) consume(n int) {
	rest := copy(p.buf, p.buf[n:])
	p.buf = p.buf[:rest]
}

// frameLen returns total frame length from header, 0 when header is incomplete.
func frameLen(b []byte) (int, error) {
	switch b[0] {
	case STX_V1:
		if len(b) < headerLenV1 {
			return 0, nil
		}
		return headerLenV1 + int(b[1]) + checksumLen, nil
	case STX_V2:
		if len(b) < headerLenV2 {
			return 0, nil
		}
		incompat := b[2]
		if incompat&^IncompatSigned != 0 {
			return 0, ErrIncompat
		}
		total := headerLenV2 + int(b[1]) + checksumLen
		if incompat&IncompatSigned != 0 {
			total += signatureLen
		}
		return total, nil
	}
	return 0, ErrGarbage
}

// decode verifies and decodes exactly one candidate frame.
// Message ids unknown to dialect cannot be verified and are rejected.
func (p *Parser) decode(b []byte) (*Frame, error) {
	rw, err := dialectRW(p.Dialect)
	if err != nil {
		return nil, err
	}
	r, err := frame.NewReader(frame.ReaderConf{
		Reader:    bytes.NewReader(b),
		DialectRW: rw,
	})
	if err != nil {
		return nil, err
	}
	fr, err := r.Read()
	if err != nil {
		return nil, err
	}
	m := fr.GetMessage()
	if _, ok := m.(*Raw); ok {
		return nil, ErrUnknown
	}
	f := &Frame{
		Seq:         fr.GetSequenceNumber(),
		SystemID:    fr.GetSystemID(),
		ComponentID: fr.GetComponentID(),
		MsgID:       m.GetID(),
		Checksum:    fr.GetChecksum(),
		Bytes:       cloneBytes(b),
		Message:     m,
	}
	switch ff := fr.(type) {
	case *frame.V1Frame:
		f.Version = 1
	case *frame.V2Frame:
		f.Version = 2
		f.Incompat = ff.IncompatibilityFlag
	}
	return f, nil
}

func indexSTX(b []byte) int {
	for i, c := range b {
		if c == STX_V1 || c == STX_V2 {
			return i
		}
	}
	return -1
}

func cloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
