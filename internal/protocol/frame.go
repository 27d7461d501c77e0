package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame constants.
const (
	Version = 1
	Magic   = 0x4353594E // "CSYN"

	// HeaderSize is the size of the fixed frame header in bytes.
	HeaderSize = 16

	// MaxPayload bounds a single frame's payload.
	MaxPayload = 16 * 1024 * 1024
)

// Frame flags.
const (
	// FlagBatch marks a payload holding a JSON array of messages.
	FlagBatch uint8 = 0x01
)

// Errors
var (
	ErrBadMagic        = errors.New("protocol: invalid magic number")
	ErrVersion         = errors.New("protocol: unsupported version")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrEmptyFrame      = errors.New("protocol: empty frame")
)

// FrameHeader is the fixed-size frame header.
//
//	0..4   magic
//	4      version
//	5      flags
//	6..12  reserved, zero
//	12..16 payload length
type FrameHeader struct {
	Magic   uint32
	Version uint8
	Flags   uint8
	Length  uint32
}

// Batched reports whether the payload is an array.
func (h FrameHeader) Batched() bool { return h.Flags&FlagBatch != 0 }

func (h FrameHeader) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	clear(buf[6:12])
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ParseFrameHeader decodes and checks a frame header.
func ParseFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < HeaderSize {
		return FrameHeader{}, fmt.Errorf("protocol: short frame header: %d bytes", len(buf))
	}
	h := FrameHeader{
		Magic:   binary.BigEndian.Uint32(buf[0:4]),
		Version: buf[4],
		Flags:   buf[5],
		Length:  binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != Magic {
		return FrameHeader{}, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version == 0 || h.Version > Version {
		return FrameHeader{}, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if h.Length > MaxPayload {
		return FrameHeader{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Encode frames msgs. A single message is sent as a JSON object; more
// than one as a JSON array with FlagBatch set.
func Encode(msgs ...Message) ([]byte, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyFrame
	}
	var (
		payload []byte
		err     error
		flags   uint8
	)
	if len(msgs) == 1 {
		payload, err = json.Marshal(msgs[0])
	} else {
		payload, err = json.Marshal(msgs)
		flags |= FlagBatch
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	frame := make([]byte, HeaderSize+len(payload))
	FrameHeader{Magic: Magic, Version: Version, Flags: flags, Length: uint32(len(payload))}.put(frame)
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decode parses a complete frame, validates every message against the
// message schema and the semantic rules, and reports whether the frame was
// batched.
func Decode(frame []byte) ([]Message, bool, error) {
	h, err := ParseFrameHeader(frame)
	if err != nil {
		return nil, false, err
	}
	payload := frame[HeaderSize:]
	if int(h.Length) != len(payload) {
		return nil, false, fmt.Errorf("protocol: frame length %d, payload %d", h.Length, len(payload))
	}
	msgs, err := decodePayload(payload, h.Batched())
	return msgs, h.Batched(), err
}

func decodePayload(payload []byte, batched bool) ([]Message, error) {
	if err := validateSchema(payload, batched); err != nil {
		return nil, err
	}

	var msgs []Message
	if batched {
		if err := json.Unmarshal(payload, &msgs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if len(msgs) == 0 {
			return nil, ErrEmptyFrame
		}
	} else {
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msgs = []Message{m}
	}
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}
	return msgs, nil
}

// WriteFrame encodes msgs and writes the frame to w.
func WriteFrame(w io.Writer, msgs ...Message) error {
	frame, err := Encode(msgs...)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame from a byte stream and decodes it.
func ReadFrame(r io.Reader) ([]Message, bool, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, err
	}
	h, err := ParseFrameHeader(hdr[:])
	if err != nil {
		return nil, false, err
	}
	var buf bytes.Buffer
	buf.Grow(int(h.Length))
	if _, err := io.CopyN(&buf, r, int64(h.Length)); err != nil {
		return nil, false, err
	}
	msgs, err := decodePayload(buf.Bytes(), h.Batched())
	return msgs, h.Batched(), err
}
